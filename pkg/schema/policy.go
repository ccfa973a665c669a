package schema

// RetryPolicy controls how a failed batch item is retried before it is
// counted as failed. Durations use Go syntax ("500ms", "2s").
type RetryPolicy struct {
	Max      int    `json:"max" yaml:"max"`
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"` // none, constant, linear, exponential
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}
