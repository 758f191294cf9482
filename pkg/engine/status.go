package engine

import (
	"fmt"
)

// OperationKind is the kind of mutation an Operation performs.
type OperationKind string

const (
	// OpCreate creates the scalar challenge record.
	OpCreate OperationKind = "create"

	// OpUpdate changes scalar fields of an existing challenge.
	OpUpdate OperationKind = "update"

	// OpSetPrerequisites replaces the prerequisite set.
	OpSetPrerequisites OperationKind = "set_prerequisites"

	// OpSetFlags replaces the flag list.
	OpSetFlags OperationKind = "set_flags"

	// OpSetHints replaces the hint list.
	OpSetHints OperationKind = "set_hints"

	// OpSetTags replaces the free-form tags.
	OpSetTags OperationKind = "set_tags"

	// OpUploadFile adds or replaces one attachment.
	OpUploadFile OperationKind = "upload_file"

	// OpDelete removes a challenge.
	OpDelete OperationKind = "delete"
)

// kindOrder is the per-challenge emission order.
var kindOrder = map[OperationKind]int{
	OpCreate:           0,
	OpUpdate:           1,
	OpSetPrerequisites: 2,
	OpSetFlags:         3,
	OpSetHints:         4,
	OpSetTags:          5,
	OpUploadFile:       6,
	OpDelete:           7,
}

// IsDestructive returns true if the operation removes remote data.
func (k OperationKind) IsDestructive() bool {
	return k == OpDelete
}

// Validate checks if the operation kind is valid.
func (k OperationKind) Validate() error {
	if _, ok := kindOrder[k]; !ok {
		return fmt.Errorf("invalid operation kind: %s", k)
	}
	return nil
}

// ResultStatus is the outcome of one Operation.
type ResultStatus string

const (
	// ResultSucceeded indicates the remote call returned without error.
	ResultSucceeded ResultStatus = "succeeded"

	// ResultFailed indicates the remote call returned an error.
	ResultFailed ResultStatus = "failed"

	// ResultSkipped indicates the operation was never attempted.
	ResultSkipped ResultStatus = "skipped"
)

// PipelineState is a state of the deploy state machine.
type PipelineState string

const (
	StateLoaded               PipelineState = "loaded"
	StateValidated            PipelineState = "validated"
	StateRemoteRead           PipelineState = "remote_read"
	StateDiffed               PipelineState = "diffed"
	StateAwaitingConfirmation PipelineState = "awaiting_confirmation"
	StateApplying             PipelineState = "applying"
	StateReported             PipelineState = "reported"
	StateAborted              PipelineState = "aborted"
)

// IsTerminal returns true for Reported and Aborted.
func (s PipelineState) IsTerminal() bool {
	return s == StateReported || s == StateAborted
}

// transitions lists the legal successor states.
var transitions = map[PipelineState][]PipelineState{
	StateLoaded:               {StateValidated, StateAborted},
	StateValidated:            {StateRemoteRead, StateAborted},
	StateRemoteRead:           {StateDiffed, StateAborted},
	StateDiffed:               {StateAwaitingConfirmation, StateReported, StateAborted},
	StateAwaitingConfirmation: {StateApplying, StateAborted},
	StateApplying:             {StateReported},
}

// CanTransition reports whether to is a legal successor of s.
func (s PipelineState) CanTransition(to PipelineState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome summarizes a run that reached Reported.
type Outcome string

const (
	// OutcomeSucceeded means every operation succeeded.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomePartial means at least one operation failed or was skipped.
	OutcomePartial Outcome = "partial"

	// OutcomeNoChanges means the change set was empty.
	OutcomeNoChanges Outcome = "no-changes"

	// OutcomeAborted means the run stopped at a gate or on a read failure.
	OutcomeAborted Outcome = "aborted"
)
