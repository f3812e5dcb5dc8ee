package models

import (
	"time"
)

// Tariff is an immutable plan: what the subscriber pays and how much access
// time a successful payment grants. Durations are plain spans, not calendar
// months.
type Tariff struct {
	Code     string
	Title    string
	Price    float64
	Duration time.Duration
}
