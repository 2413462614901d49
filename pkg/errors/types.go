package errors

import (
	"fmt"
)

// ErrSessionExpired is returned by a remote.Client operation when the
// server reports the session/cookie is no longer valid. The
// coordinator treats this as a distinguished condition: it asks the
// AuthProvider for fresh credentials and retries the pass once, and if
// the pass still fails with it, halts periodic sync.
var ErrSessionExpired = New("session expired")

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// RecordNotFound is returned by the Metadata Store when a lookup or
// delete targets a row that doesn't exist. It's a logical, non-fatal
// error: callers are expected to check for it with errors.As and
// continue.
type RecordNotFound struct {
	// ID is the LocalRecord id that was looked up, if the lookup was by
	// id. Zero if the lookup was by some other key.
	ID int64
	// Path is the local_path that was looked up, if the lookup was by
	// path.
	Path string
}

func (err RecordNotFound) Error() string {
	if err.Path != "" {
		return fmt.Sprintf("no metadata record for path %q", err.Path)
	}
	return fmt.Sprintf("no metadata record with id %d", err.ID)
}

// RetryableError marks an error returned by the Remote Client as
// belonging to the "transient network" taxonomy class: the pipeline may
// reattempt the operation up to its retry cap.
type RetryableError struct {
	Cause error
}

func (err RetryableError) Error() string {
	return fmt.Sprintf("retryable: %s", err.Cause)
}

func (err RetryableError) Unwrap() error {
	return err.Cause
}

// SizePolicyError marks a non-retryable server rejection tied to the size
// of the uploaded body (payload-too-large). A 422 on a large body is
// classified as a RetryableError instead, and stays one after the retry
// cap is exhausted. Message is a user-oriented,
// size-aware description; the pipeline emits it verbatim in the error
// event and moves on to the next file.
type SizePolicyError struct {
	Message string
	Size    int64
}

func (err SizePolicyError) Error() string {
	return err.Message
}

// QuotaExceededError is returned by remote.Client.Upload before an upload starts
// when a preflight space_usage check shows insufficient remaining
// storage. It's a distinct kind so the UI can specifically prompt for
// cleanup, rather than rendering a generic error.
type QuotaExceededError struct {
	Used      int64
	Available int64
	Needed    int64
}

func (err QuotaExceededError) Error() string {
	return fmt.Sprintf("insufficient storage: need %d bytes, %d available (%d used)",
		err.Needed, err.Available, err.Used)
}

// WorkspaceDriftError is returned when a handler's captured workspace no
// longer matches the currently active one. No remote mutation has
// occurred by the time this is returned.
type WorkspaceDriftError struct {
	Captured int64
	Current  int64
}

func (err WorkspaceDriftError) Error() string {
	return fmt.Sprintf("workspace drift: captured %d, current %d", err.Captured, err.Current)
}
