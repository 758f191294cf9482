// Package config reads a chalsync repository: the chalsync.yaml project
// file and the challenge definitions below it.
//
// # Project file
//
// chalsync.yaml sits at the repository root. Every tunable has a default, so
// the smallest valid file only names the event:
//
//	name: acme-ctf
//	url: https://ctf.example.com
//	categories: [web, pwn, crypto]
//	protected: [sanity-check]
//	challenge_dirs: [challenges]
//	flag_format: '^acme\{.+\}$'
//	concurrency:
//	  reads: 5
//	  writes: 3
//	policy:
//	  paths: [policies]
//	  max_deletes: 10
//	  disable: [live-value-change]
//
// Unknown keys are rejected. Credentials never live in the project file;
// the CLI takes them from flags, the environment or a prompt.
//
// # Challenge files
//
// Each challenge lives in a directory named after its id and is described
// by challenge.toml (or challenge.yaml with the same layout):
//
//	[meta]
//	id = "web-login"
//	name = "Login Bypass"
//	category = "web"
//	difficulty = "easy"
//	visibility = "hidden"
//	prerequisites = ["sanity-check"]
//
//	[scoring]
//	flag = "acme{admin}"
//	points = 100
//
//	[[hints]]
//	content = "look at the cookies"
//	cost = 10
//
//	[static]
//	include_patterns = ["dist/*.zip"]
//	exclude_patterns = ["dist/debug"]
//
// Static patterns are doublestar globs relative to the challenge directory.
// Matched files are hashed and referenced by their path from the repository
// root.
//
// Problems reading a file are reported as validation issues with the rule
// name "load", so they surface next to the validator's findings instead of
// aborting the run.
//
// # Watching
//
// Watcher reports settled changes under the challenge directories for
// "chalsync validate --watch".
package config
