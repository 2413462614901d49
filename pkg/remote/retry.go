package remote

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
)

// classify maps a transport-level error or HTTP status code onto the
// error taxonomy from spec §4.2/§7: retryable transient failures versus
// permanent rejections the caller should surface immediately.
func classify(err error, statusCode int, bodySize int64) error {
	if err != nil {
		if isRetryableTransportError(err) {
			return drivesyncerrors.RetryableError{Cause: err}
		}
		return err
	}

	switch {
	case statusCode == 0, statusCode < 400:
		return nil
	case statusCode == http.StatusUnprocessableEntity && bodySize >= DefaultRetryPolicy.LargeBodyThreshold:
		// The remote treats 422 on a large body as transient overload,
		// not a permanent rejection of the request's shape.
		return drivesyncerrors.RetryableError{Cause: drivesyncerrors.New("server reported 422 on a %d byte body", bodySize)}
	case statusCode == http.StatusRequestEntityTooLarge:
		return sizePolicyError(bodySize, "server rejected the upload as too large")
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return drivesyncerrors.ErrSessionExpired
	case statusCode >= 500, statusCode == http.StatusGatewayTimeout, statusCode == http.StatusBadGateway:
		return drivesyncerrors.RetryableError{Cause: drivesyncerrors.New("server returned status %d", statusCode)}
	default:
		return drivesyncerrors.New("server returned status %d", statusCode)
	}
}

// sizePolicyError builds a user-oriented SizePolicyError, escalating the
// message based on how large the rejected body was.
func sizePolicyError(size int64, base string) error {
	msg := base
	switch {
	case size > 100*1024*1024:
		msg = "server rejected the upload: file is too large to sync"
	case size > 50*1024*1024:
		msg = "upload failed: file may be too large for this workspace"
	}
	return drivesyncerrors.SizePolicyError{Message: msg, Size: size}
}

// isRetryableTransportError reports whether err looks like a transient
// network failure: connection reset/closed, timeout, or a generic
// dial/read/write error rather than a protocol-level rejection.
func isRetryableTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection reset", "connection closed", "broken pipe", "eof", "timeout"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// withRetry runs op up to policy.MaxAttempts times, classifying each
// failure and sleeping between retryable attempts according to the
// policy's backoff schedule. size is the request body size, used to
// pick the backoff's base delay.
func withRetry(ctx context.Context, policy RetryPolicy, size int64, sleep func(time.Duration), op func() error) error {
	var lastErr error
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultRetryPolicy.MaxAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		var retryable drivesyncerrors.RetryableError
		if !errors.As(err, &retryable) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		sleep(policy.delayFor(attempt, size))
	}
	return lastErr
}
