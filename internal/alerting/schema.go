package alerting

// Schema describes the active rule catalog for the API.
type Schema struct {
	Rules        []RuleSchema `json:"rules"`
	Capabilities []string     `json:"capabilities"`
	DedupWindow  string       `json:"dedup_window"`
	StatsWindow  string       `json:"stats_window"`
	ErrorWindow  string       `json:"error_window"`
}

// RuleSchema describes one catalog rule.
type RuleSchema struct {
	ID        int      `json:"id"`
	Name      string   `json:"name"`
	Level     Level    `json:"level"`
	Variables []string `json:"variables"`
	AlwaysRun bool     `json:"always_run"`
	OpenModal bool     `json:"open_modal"`
	Threshold *float64 `json:"threshold"`
	Requires  []string `json:"requires,omitempty"`
	// Active is false when a required capability is missing from the
	// evaluation context; such rules never fire.
	Active bool `json:"active"`
}

// allVariables is reported for rules that apply to every variable.
var allVariables = []string{"*"}

// Describe returns the schema of the evaluator's catalog.
func Describe(e *Evaluator, dedupWindow string) Schema {
	caps := e.Capabilities()
	present := make(map[string]bool)
	for _, n := range caps.Names() {
		present[n] = true
	}

	c := e.Catalog()
	s := Schema{
		Capabilities: caps.Names(),
		DedupWindow:  dedupWindow,
		StatsWindow:  c.Windows().Stats.String(),
		ErrorWindow:  c.Windows().Errors.String(),
	}
	if s.Capabilities == nil {
		s.Capabilities = []string{}
	}
	for _, r := range c.Rules() {
		rs := RuleSchema{
			ID:        r.ID,
			Name:      r.Name,
			Level:     r.Level,
			Variables: r.Variables,
			AlwaysRun: r.AlwaysRun,
			OpenModal: r.OpenModal,
			Threshold: r.Threshold,
			Requires:  r.Requires,
			Active:    true,
		}
		if rs.Variables == nil {
			rs.Variables = allVariables
		}
		for _, req := range r.Requires {
			if !present[req] {
				rs.Active = false
			}
		}
		s.Rules = append(s.Rules, rs)
	}
	return s
}
