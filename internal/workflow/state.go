package workflow

// State is the review state of an uploaded document.
type State string

const (
	// StateUploaded means the bytes are stored temporarily and OCR has not run
	StateUploaded State = "UPLOADED"
	// StateOCRProcessed means page text has been extracted
	StateOCRProcessed State = "OCR_PROCESSED"
	// StateAwaitingReview means fields are extracted and waiting for a human
	StateAwaitingReview State = "AWAITING_REVIEW"
	// StateConfirmed means an invoice was persisted. Terminal.
	StateConfirmed State = "CONFIRMED"
	// StateRejected means the reviewer discarded the document. Terminal.
	StateRejected State = "REJECTED"
	// StateExpired means the TTL elapsed before review finished. Terminal.
	StateExpired State = "EXPIRED"
	// StateFailed means processing could not complete. Terminal.
	StateFailed State = "FAILED"
)

// validTransitions is the transition matrix. The key is the current state,
// the value the set of allowed target states. No state leads back to an
// earlier one.
var validTransitions = map[State]map[State]bool{
	StateUploaded:       {StateOCRProcessed: true, StateExpired: true, StateFailed: true},
	StateOCRProcessed:   {StateAwaitingReview: true, StateExpired: true, StateFailed: true},
	StateAwaitingReview: {StateConfirmed: true, StateRejected: true, StateExpired: true, StateFailed: true},
	StateConfirmed:      {},
	StateRejected:       {},
	StateExpired:        {},
	StateFailed:         {},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	targets, ok := validTransitions[s]
	return ok && len(targets) == 0
}
