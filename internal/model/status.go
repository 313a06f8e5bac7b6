package model

// Status is the pledge lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusCaptured   Status = "CAPTURED"
	StatusFailed     Status = "FAILED"
)

// allowedTransitions gates pledge lifecycle changes.
// CAPTURED and FAILED are terminal.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusAuthorized, StatusFailed},
	StatusAuthorized: {StatusCaptured, StatusFailed},
	StatusCaptured:   {},
	StatusFailed:     {},
}

// CanTransition reports whether a pledge may move from one status to another.
// A repeat of the current status is always allowed so that redelivered
// webhooks are treated as no-ops rather than errors.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// BucketColumn maps a status to its rollup bucket column. Statuses outside
// the four tracked buckets map to "" and move no money.
func BucketColumn(s Status) string {
	switch s {
	case StatusPending:
		return "pending_amount"
	case StatusAuthorized:
		return "authorized_amount"
	case StatusCaptured:
		return "captured_amount"
	case StatusFailed:
		return "failed_amount"
	default:
		return ""
	}
}
