// Package storage is the persistence contract for namespaces, task
// definitions, workflows, triggers, jobs and tasks, with an in-memory driver
// and a SQLite driver.
//
// Load methods return (nil, nil) when the entity does not exist. Every query
// is scoped by namespace; an empty namespace in a query means "all
// namespaces" and is only used by startup recovery.
package storage
