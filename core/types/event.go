package types

// Event represents a typed notification emitted after a state mutation.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
