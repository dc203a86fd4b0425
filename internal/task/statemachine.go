package task

import "fmt"

// allowedTransitions maps each status to the set of statuses it may move to.
// Terminal states map to an empty set.
var allowedTransitions = map[Status]map[Status]bool{
	StatusReceived:      {StatusRouted: true, StatusFailed: true},
	StatusRouted:        {StatusTranscribing: true, StatusRefining: true, StatusFailed: true},
	StatusTranscribing:  {StatusRefining: true, StatusFailed: true},
	StatusRefining:      {StatusToolQueued: true, StatusFailed: true},
	StatusToolQueued:    {StatusToolRunning: true, StatusFailed: true},
	StatusToolRunning:   {StatusSummarizing: true, StatusFailed: true},
	StatusSummarizing:   {StatusTTSGenerating: true, StatusDelivered: true, StatusFailed: true},
	StatusTTSGenerating: {StatusDelivered: true, StatusFailed: true},
	StatusDelivered:     {},
	StatusFailed:        {},
}

// InvalidTransitionError reports a task status transition outside the
// allowed set.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition from %s to %s", e.From, e.To)
}

// ValidateTransition checks whether a task may move from current to next.
// A transition to the current status is accepted as a no-op. Every other
// pair outside the allowed set returns *InvalidTransitionError.
func ValidateTransition(current, next Status) error {
	if next == current {
		return nil
	}
	if allowedTransitions[current][next] {
		return nil
	}
	return &InvalidTransitionError{From: current, To: next}
}

// IsTerminal reports whether s admits no outgoing transitions.
func IsTerminal(s Status) bool {
	return s == StatusDelivered || s == StatusFailed
}
