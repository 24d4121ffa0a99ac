package domain

// allowedTransitions is keyed by current status. read and expired are terminal.
// Nothing moves a record back to failed once the provider has accepted it.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
	StatusFailed:    {StatusSent, StatusDelivered, StatusRead},
}

// statusRank orders statuses for classifying rejected transitions.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSending:   1,
	StatusFailed:    1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
	StatusExpired:   4,
}

// ValidateTransition reports whether an inbound event may move a record from current to
// target. On rejection the reason is same_status, backward_transition or invalid_transition.
func ValidateTransition(current, target Status) (ok bool, reason string) {
	if current == target {
		return false, ReasonSameStatus
	}
	for _, s := range allowedTransitions[current] {
		if s == target {
			return true, ""
		}
	}
	if statusRank[target] < statusRank[current] {
		return false, ReasonBackwardTransition
	}
	return false, ReasonInvalidTransition
}
