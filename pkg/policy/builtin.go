package policy

import (
	"time"
)

// Built-in policy names.
const (
	PolicyMassDelete      = "mass-delete"
	PolicyVisibleDelete   = "visible-delete"
	PolicyLiveValueChange = "live-value-change"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		massDeletePolicy(),
		visibleDeletePolicy(),
		liveValueChangePolicy(),
	}
}

// massDeletePolicy blocks plans that delete more challenges than allowed.
func massDeletePolicy() Policy {
	return Policy{
		Name:        PolicyMassDelete,
		Description: "Blocks deploys that delete more challenges than max_deletes",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"delete", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package chalsync.policies.mass_delete

import rego.v1

deletes := [op | some op in input.operations; op.kind == "delete"]

deny contains violation if {
	input.max_deletes > 0
	count(deletes) > input.max_deletes
	violation := {
		"message": sprintf("plan deletes %d challenges, the limit is %d", [count(deletes), input.max_deletes]),
		"severity": "error",
	}
}
`,
	}
}

// visibleDeletePolicy warns when a challenge players can see is deleted.
func visibleDeletePolicy() Policy {
	return Policy{
		Name:        PolicyVisibleDelete,
		Description: "Warns when a visible challenge is deleted",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"delete", "players"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package chalsync.policies.visible_delete

import rego.v1

deny contains violation if {
	some op in input.operations
	op.kind == "delete"
	op.visible
	violation := {
		"message": sprintf("challenge %s is visible to players and will be deleted", [op.target]),
		"severity": "warning",
		"challenge": op.target,
	}
}
`,
	}
}

// liveValueChangePolicy warns when the score of a visible challenge changes.
func liveValueChangePolicy() Policy {
	return Policy{
		Name:        PolicyLiveValueChange,
		Description: "Warns when the point value of a visible challenge changes",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"scoring", "players"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package chalsync.policies.live_value_change

import rego.v1

deny contains violation if {
	some op in input.operations
	op.kind == "update"
	op.visible
	"value" in op.fields
	violation := {
		"message": sprintf("value of visible challenge %s changes from %d to %d", [op.target, op.value_from, op.value_to]),
		"severity": "warning",
		"challenge": op.target,
	}
}
`,
	}
}
