// Package engine reconciles locally-authored challenges with a remote
// competition platform.
//
// # Overview
//
// A run moves through a fixed state machine:
//
//	Loaded -> Validated -> RemoteRead -> Diffed -> AwaitingConfirmation -> Applying -> Reported
//
// Any gate may instead move the run to Aborted. A run whose change set is
// empty goes straight from Diffed to Reported.
//
// # Components
//
//   - Reader: builds a normalized Snapshot of remote state with bounded
//     concurrent reads and retries for transient failures
//   - Differ: compares the store with a Snapshot and produces a ChangeSet
//     ordered by prerequisite tier, with deletes last
//   - Applier: executes a ChangeSet with bounded concurrency, skipping
//     operations whose dependencies did not succeed
//   - Controller: sequences the above and enforces the validation, diff,
//     policy and confirmation gates
//
// # Gates
//
// A gate rejection is a *PipelineError. No remote mutation has happened
// when one is returned:
//
//	report, err := ctrl.Deploy(ctx, store, challenge.All(), confirm)
//	if errors.Is(err, engine.ErrDeclined) {
//	    // user said no
//	}
//
// Per-operation failures are not errors. They are reported in
// Report.Results and the next run's diff converges the remainder.
//
// # Concurrency
//
// Only the Applier issues mutating calls, and each mutation is attempted
// once. Reads are retried with exponential backoff. Cancelling the context
// during Applying stops dispatch; operations already started run to
// completion bounded by Options.RequestTimeout.
package engine
