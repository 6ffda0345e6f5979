package harness

// Outcome of a step that succeeded.
const OutcomeOK = "ok"

// TraceEvent records one step and the state it left behind.
type TraceEvent struct {
	Seq     int64    `json:"seq"`
	Op      string   `json:"op"`
	Patches []string `json:"patches,omitempty"`

	// Outcome is "ok" or the error code the step failed with.
	Outcome string `json:"outcome"`

	Baseline   string   `json:"baseline,omitempty"`
	Superseded []string `json:"superseded,omitempty"`
	Orphaned   []string `json:"orphaned,omitempty"`
	Resumed    []string `json:"resumed,omitempty"`
	Recorded   bool     `json:"recorded,omitempty"`

	// Registry holds the registry activity logged during the step.
	Registry []string `json:"registry,omitempty"`

	// Installed lists the patches with an install record after the step.
	Installed []string `json:"installed"`

	// Pending lists interrupted activations after the step.
	Pending []string `json:"pending,omitempty"`

	// Files holds the watched files after the step; nil means absent.
	Files map[string]*string `json:"files,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step met its expectation and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace contains one event per step, starting with the initial
	// baseline.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// registryActions returns every registry action logged by any step.
func (r *Result) registryActions() []string {
	var out []string
	for _, ev := range r.Trace {
		out = append(out, ev.Registry...)
	}
	return out
}
