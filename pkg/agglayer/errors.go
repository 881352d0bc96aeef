package agglayer

import "fmt"

// SubmissionRejectedError is an application-level rejection of a submission.
// It is permanent: the proof has to change before resubmission makes sense.
type SubmissionRejectedError struct {
	StatusCode int
	Body       string
}

func (e *SubmissionRejectedError) Error() string {
	return fmt.Sprintf("aggregation layer rejected submission with status %d", e.StatusCode)
}

// VerificationMismatchError reports local re-verification disagreeing with
// the aggregation layer. It is never downgraded to a success.
type VerificationMismatchError struct {
	Field string
	Got   string
	Want  string
}

func (e *VerificationMismatchError) Error() string {
	return fmt.Sprintf("verification mismatch on %s: got %s, want %s", e.Field, e.Got, e.Want)
}

// permanentPollError marks a poll failure that retrying cannot fix.
type permanentPollError struct {
	err error
}

func (e *permanentPollError) Error() string { return e.err.Error() }

func (e *permanentPollError) Unwrap() error { return e.err }
