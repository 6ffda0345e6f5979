// Package harness runs patch lifecycle scenarios against a scratch
// installation and records a deterministic trace of every step.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	baseline: 1.0.0
//	tree:
//	  etc/app.cfg: "port=8080\n"
//	modules:
//	  - name: my-bsn
//	    version: 1.3.1
//	    location: mvn:org.foo/my-bsn/1.3.1
//	patches:
//	  p1:
//	    descriptor: |
//	      id=p1
//	      bundle.0=mvn:org.foo/my-bsn/1.3.2
//	    files:
//	      etc/app.cfg: "port=8181\n"
//	watch:
//	  - etc/app.cfg
//	flow:
//	  - op: add
//	    patches: [p1]
//	  - op: install
//	    patches: [p1]
//	  - op: rollback
//	    patches: [p1]
//	    expect: ROLLBACK_CONFLICT
//	assertions:
//	  - type: file
//	    path: etc/app.cfg
//	    content: "port=8181\n"
//
// # Operations
//
//   - add: unpack and track the named patch archives
//   - simulate, install: run the named patches as one batch
//   - rollback: roll back the single named patch, with force when set
//   - edit: write files into the installation as a user would
//   - track: record user changes
//   - resume: finish interrupted activations
//   - fail_registry, heal_registry: make module installs fail or succeed
//
// A step's expect names the error code it must fail with; an empty expect
// means the step must succeed.
//
// # Assertion Types
//
//   - file: a live file has the given content
//   - absent: a live file does not exist
//   - exists: the glob path matches at least one file
//   - installed, not_installed: the patch has or lacks an install record
//   - module: the registry has the module at the given version
//   - baseline: the current baseline has the given version
//   - no_pending: no activation is pending
//   - registry_contains: some step logged the given registry action
//
// # Deterministic Testing
//
// Scenarios run with a deterministic clock and sequential transaction ids.
// The trace omits commit ids, so it is identical across runs and is compared
// against golden files under testdata/golden.
package harness
