// Package timer arms trigger schedules and invokes a callback when they are
// due.
//
// Fires of the same id never overlap. The next fire time is computed from
// the moment the previous fire returned, so a slow or late fire pushes the
// following ones back instead of producing a burst. Unschedule and Pause wait
// for an in-flight fire of the same id to return; once they return no further
// callback is delivered for that id.
package timer
