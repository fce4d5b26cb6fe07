package order

// Status is the local lifecycle state of an order.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
	StatusError           Status = "ERROR"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusDraft, StatusPending, StatusSubmitted, StatusPartiallyFilled,
	StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusError,
}

// ActiveStatuses are the statuses an owner still has to care about.
var ActiveStatuses = []Status{
	StatusDraft, StatusPending, StatusSubmitted, StatusPartiallyFilled, StatusError,
}

// transitions is the allowed state graph. ERROR only leaves through
// reconciliation against broker history.
var transitions = map[Status][]Status{
	StatusDraft:           {StatusPending, StatusCancelled},
	StatusPending:         {StatusSubmitted, StatusRejected, StatusError, StatusCancelled},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
	StatusError:           {StatusSubmitted, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired, StatusRejected},
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// RequiresTicket reports whether the broker must have accepted an order
// for it to be in this status.
func (s Status) RequiresTicket() bool {
	switch s {
	case StatusSubmitted, StatusPartiallyFilled, StatusFilled, StatusExpired:
		return true
	}
	return false
}

// Cancellable reports whether a user may cancel or modify an order in s.
func (s Status) Cancellable() bool {
	return s == StatusDraft || s == StatusPending || s == StatusSubmitted
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

// EventFor returns the event type announcing a transition into s. The
// second value is false for statuses that have no event (DRAFT, PENDING).
func EventFor(s Status) (EventType, bool) {
	switch s {
	case StatusSubmitted:
		return EventSubmitted, true
	case StatusPartiallyFilled:
		return EventPartiallyFilled, true
	case StatusFilled:
		return EventFilled, true
	case StatusCancelled:
		return EventCancelled, true
	case StatusRejected:
		return EventRejected, true
	case StatusExpired:
		return EventExpired, true
	case StatusError:
		return EventError, true
	}
	return "", false
}
