package schema

// StatusNone is the state of a function that has no events yet.
const StatusNone EventStatus = ""

// ValidTransitions defines, per category, the event statuses that may follow
// the latest status of a function. A signal may be received before anything
// waits on it, so RECEIVED is also a valid first status.
var ValidTransitions = map[Category]map[EventStatus][]EventStatus{
	CategoryWorkflow: {
		StatusNone:      {StatusScheduled},
		StatusScheduled: {StatusStarted},
		StatusStarted:   {StatusCompleted, StatusFailed},
	},
	CategoryActivity: {
		StatusNone:    {StatusStarted},
		StatusStarted: {StatusCompleted, StatusFailed},
	},
	CategorySignal: {
		StatusNone:    {StatusWaiting, StatusReceived},
		StatusWaiting: {StatusReceived},
	},
	CategorySleep: {
		StatusNone:    {StatusStarted},
		StatusStarted: {StatusCompleted},
	},
	CategoryCondition: {
		StatusNone:    {StatusWaiting},
		StatusWaiting: {StatusSatisfied, StatusFailed},
	},
}

// IsValidTransition reports whether a function of the given category may move
// from one status to the next.
func IsValidTransition(category Category, from, to EventStatus) bool {
	for _, a := range ValidTransitions[category][from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an invariant error for a disallowed transition.
func ValidateTransition(category Category, stepID string, from, to EventStatus) error {
	if IsValidTransition(category, from, to) {
		return nil
	}
	if from == StatusNone {
		from = "NONE"
	}
	return NewErrorf(ErrCodeInvariant, "invalid %s transition: %s -> %s", category, from, to).
		WithStep(stepID).
		WithDetails(map[string]any{"category": string(category), "from": string(from), "to": string(to)})
}
