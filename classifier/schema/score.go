package schema

// Score is the evaluation result persisted to scores.json.
type Score struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}
