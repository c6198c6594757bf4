package model

// DefaultNamespace is used when definitions omit a namespace.
const DefaultNamespace = "default"

type WorkflowID struct {
	Namespace string
	Name      string
}

func (id WorkflowID) String() string { return id.Namespace + "/" + id.Name }

type TriggerID struct {
	Namespace string
	Workflow  string
	Name      string
}

func (id TriggerID) String() string { return id.Namespace + "/" + id.Workflow + "/" + id.Name }

func (id TriggerID) WorkflowID() WorkflowID {
	return WorkflowID{Namespace: id.Namespace, Name: id.Workflow}
}

type JobID struct {
	Namespace string
	ID        string
}

func (id JobID) String() string { return id.Namespace + "/" + id.ID }

type TaskID struct {
	Namespace string
	Job       string
	Name      string
}

func (id TaskID) String() string { return id.Namespace + "/" + id.Job + "/" + id.Name }

func (id TaskID) JobID() JobID { return JobID{Namespace: id.Namespace, ID: id.Job} }
