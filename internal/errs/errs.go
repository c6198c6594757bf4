// Package errs holds the closed set of domain error kinds and the two error
// shapes surfaced by services: *Error for rejected requests and
// *ServiceError for valid requests the system could not complete.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Class groups kinds by how they surface over an API boundary.
type Class int

const (
	ClassBadRequest Class = iota
	ClassNotFound
	ClassConflict
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassNotFound:
		return "not-found"
	case ClassConflict:
		return "conflict"
	case ClassInternal:
		return "internal"
	default:
		return "bad-request"
	}
}

// Kind is a stable error code.
type Kind int

const (
	NamespaceNotFound      Kind = 1001
	NamespaceAlreadyExists Kind = 1002

	WorkflowNotFound         Kind = 2001
	WorkflowAlreadyExists    Kind = 2002
	MissingTaskInWorkflow    Kind = 2003
	MissingParamInWorkflow   Kind = 2004
	CyclicDependency         Kind = 2005
	DuplicatePolicy          Kind = 2006
	DuplicateTaskInWorkflow  Kind = 2007
	InvalidWorkflow          Kind = 2008
	WorkflowInUse            Kind = 2009
	TriggerNotFound          Kind = 3001
	InvalidTrigger           Kind = 3002
	TriggerAlreadyExists     Kind = 3003
	JobNotFound              Kind = 4001
	CannotAbortJob           Kind = 4002
	TaskNotFound             Kind = 5001
	CannotAbortTask          Kind = 5002
	IllegalTaskTransition    Kind = 5003
	TaskDefinitionNotFound   Kind = 6001
	TaskDefinitionDuplicated Kind = 6002
)

type kindInfo struct {
	slug  string
	class Class
}

var kinds = map[Kind]kindInfo{
	NamespaceNotFound:        {"NAMESPACE_NOT_FOUND", ClassNotFound},
	NamespaceAlreadyExists:   {"NAMESPACE_ALREADY_EXISTS", ClassConflict},
	WorkflowNotFound:         {"WORKFLOW_NOT_FOUND", ClassNotFound},
	WorkflowAlreadyExists:    {"WORKFLOW_ALREADY_EXISTS", ClassConflict},
	MissingTaskInWorkflow:    {"MISSING_TASK_IN_WORKFLOW", ClassBadRequest},
	MissingParamInWorkflow:   {"MISSING_PARAM_IN_WORKFLOW", ClassBadRequest},
	CyclicDependency:         {"CYCLIC_DEPENDENCY_IN_WORKFLOW", ClassBadRequest},
	DuplicatePolicy:          {"DUPLICATE_POLICY_OF_SAME_TYPE", ClassBadRequest},
	DuplicateTaskInWorkflow:  {"DUPLICATE_TASK_IN_WORKFLOW", ClassBadRequest},
	InvalidWorkflow:          {"INVALID_WORKFLOW", ClassBadRequest},
	WorkflowInUse:            {"WORKFLOW_IN_USE", ClassConflict},
	TriggerNotFound:          {"WORKFLOW_TRIGGER_NOT_FOUND", ClassNotFound},
	InvalidTrigger:           {"INVALID_WORKFLOW_TRIGGER", ClassBadRequest},
	TriggerAlreadyExists:     {"WORKFLOW_TRIGGER_ALREADY_EXISTS", ClassConflict},
	JobNotFound:              {"JOB_NOT_FOUND", ClassNotFound},
	CannotAbortJob:           {"CANNOT_ABORT_JOB_WITH_SCHEDULED_TASK", ClassBadRequest},
	TaskNotFound:             {"TASK_NOT_FOUND", ClassNotFound},
	CannotAbortTask:          {"CANNOT_ABORT_TASK_IN_SCHEDULED_STATE", ClassBadRequest},
	IllegalTaskTransition:    {"ILLEGAL_TASK_STATUS_TRANSITION", ClassBadRequest},
	TaskDefinitionNotFound:   {"TASK_DEFINITION_NOT_FOUND", ClassNotFound},
	TaskDefinitionDuplicated: {"TASK_DEFINITION_ALREADY_EXISTS", ClassConflict},
}

func (k Kind) Code() int { return int(k) }

func (k Kind) Slug() string {
	if info, ok := kinds[k]; ok {
		return info.slug
	}
	return fmt.Sprintf("UNKNOWN_%d", int(k))
}

func (k Kind) Class() Class {
	if info, ok := kinds[k]; ok {
		return info.class
	}
	return ClassInternal
}

func (k Kind) String() string { return k.Slug() }

// Error is a rejected request. Nothing was written when it is returned.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.Slug()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a validation error of kind k.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a validation error of kind k chained to cause.
func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ServiceError is returned when a valid request failed in the persistence
// layer or another collaborator.
type ServiceError struct {
	Op    string
	Cause error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return "service failure: " + e.Op
	}
	return "service failure: " + e.Op + ": " + e.Cause.Error()
}

func (e *ServiceError) Unwrap() error { return e.Cause }

// Service wraps cause. A nil cause yields nil; an *Error or *ServiceError is
// returned unchanged.
func Service(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var ve *Error
	if errors.As(cause, &ve) {
		return cause
	}
	var se *ServiceError
	if errors.As(cause, &se) {
		return cause
	}
	return &ServiceError{Op: op, Cause: cause}
}

// KindOf extracts the Kind of err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is a validation error of kind k.
func Is(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// IsService reports whether err is a service-level failure.
func IsService(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

// HTTPStatus maps err to a status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	k, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch k.Class() {
	case ClassNotFound:
		return http.StatusNotFound
	case ClassConflict:
		return http.StatusConflict
	case ClassBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
