package market

import "time"

// PriceEvent is a single observed price for a symbol. Events are immutable
// once published; Sequence is monotonically increasing within a symbol.
type PriceEvent struct {
	Symbol    string    `json:"symbol"`
	Sequence  uint64    `json:"sequence"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// MovingAverageRecord holds the rolling average for a symbol together with
// the retained window that produced it. Average always equals the arithmetic
// mean of Window, and len(Window) never exceeds WindowSize.
type MovingAverageRecord struct {
	Symbol        string    `json:"symbol"`
	WindowSize    int       `json:"window_size"`
	Average       float64   `json:"average"`
	SampleCount   int64     `json:"sample_count"`
	Window        []float64 `json:"window"`
	LastSequence  uint64    `json:"last_sequence"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}
