package entity

// FailedAttempt tracks the failures of one descriptor inside its retry
// supervisor. AttemptCount is 1 after the first failure.
type FailedAttempt struct {
	Descriptor   *FileDescriptor
	AttemptCount int
	LastError    error
}

// Record counts a new failure.
func (a *FailedAttempt) Record(err error) {
	a.AttemptCount++
	a.LastError = err
}
