// Package model holds the scheduler entities: namespaces, task and workflow
// definitions, triggers with their schedules, and jobs with their tasks.
//
// Every entity other than TaskDefinition is scoped by namespace; identities
// are small comparable structs so they can key maps directly.
package model
