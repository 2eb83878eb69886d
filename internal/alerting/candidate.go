package alerting

// Candidate is an alert a rule believes should fire, before deduplication.
type Candidate struct {
	CatalogID int            `json:"catalog_id"`
	Name      string         `json:"name"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Threshold *float64       `json:"threshold,omitempty"`
	OpenModal bool           `json:"open_modal"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func threshold(v float64) *float64 {
	return &v
}
