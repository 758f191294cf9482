// Package policy provides Open Policy Agent (OPA) checks for deploy plans.
//
// The Engine evaluates Rego policies against the change set a deploy is
// about to apply and is plugged into the pipeline as its policy gate:
//
//	pe, err := policy.NewEngine(logger, policy.WithMaxDeletes(cfg.Policy.MaxDeletes))
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
//	    return err
//	}
//	ctrl := engine.NewController(client, opts, engine.WithPolicyChecker(pe))
//
// Violations with severity error or critical abort the deploy before the
// confirmation prompt. Lower severities are attached to the plan.
//
// # Built-in Policies
//
//  1. mass-delete - error when the plan deletes more than max_deletes challenges
//  2. visible-delete - warning for each challenge deleted while visible to players
//  3. live-value-change - warning when a visible challenge's point value changes
//
// # Input
//
// Policies see a PolicyInput document:
//
//	{
//	  "run_id": "...",
//	  "selection": "all",
//	  "max_deletes": 10,
//	  "counts": {"create": 2, "delete": 1},
//	  "skipped": ["scoreboard-intro"],
//	  "operations": [
//	    {"id": "update:web-101", "kind": "update", "target": "web-101",
//	     "visible": true, "fields": ["value"], "value_from": 100, "value_to": 200}
//	  ]
//	}
//
// # Custom Policies
//
// Repository policies are .rego files (or .json files wrapping a Policy)
// whose package defines a "deny" set. Entries are strings or objects with
// "message", "severity" and "challenge" keys. A .rego file's leading
// comment block becomes its description; a "severity:" line in it sets the
// default severity, which is otherwise warning.
//
//	# Category changes are frozen once the event starts.
//	# severity: error
//	package repo.policies.freeze
//
//	import rego.v1
//
//	deny contains violation if {
//	    some op in input.operations
//	    op.kind == "update"
//	    "category" in op.fields
//	    violation := {
//	        "message": sprintf("%s changes category during the event", [op.target]),
//	        "severity": "error",
//	        "challenge": op.target,
//	    }
//	}
//
// Policies are compiled once into prepared queries. Setting policy.disable
// in chalsync.yaml turns individual policies off by name.
package policy
