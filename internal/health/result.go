package health

import (
	"time"
)

// Result is the sliding health state of one task under one check. Results
// survive check re-registration so a restarted check immediately exposes the
// prior lastFailure/lastSuccess.
type Result struct {
	Alive               bool       `json:"alive"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastFailure         *time.Time `json:"lastFailure,omitempty"`
	LastFailureCause    string     `json:"lastFailureCause,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

func (r *Result) recordSuccess(now time.Time) {
	r.Alive = true
	r.LastSuccess = &now
	r.ConsecutiveFailures = 0
}

func (r *Result) recordFailure(now time.Time, cause string) {
	r.Alive = false
	r.LastFailure = &now
	r.LastFailureCause = cause
	r.ConsecutiveFailures++
}
