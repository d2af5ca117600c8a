/*
Package reconnect retries a disconnected SSH session up to max_retries
times, consulting an external oracle on whether a disconnect warrants a
retry and invoking a caller-supplied cleanup callback strictly before each
retry attempt. The cleanup callback is never called before the first
connect attempt, is called exactly once before each retry, and a panic or
error from it is caught and logged as a warning without aborting the retry.
*/
package reconnect

import (
	"context"
	"fmt"

	"github.com/cuemby/fleetctl/pkg/log"
	"github.com/cuemby/fleetctl/pkg/metrics"
	"github.com/cuemby/fleetctl/pkg/transport"
)

// RetryOracle decides whether a disconnect warrants another attempt.
type RetryOracle func(ctx context.Context, attempt int) bool

// CleanupCallback runs once before each retry attempt, ahead of the next
// Connect call. A returned error is logged as a warning; it never aborts
// the retry.
type CleanupCallback func(ctx context.Context) error

// Handler wraps an SSHTransport with reconnect-on-disconnect retry logic.
type Handler struct {
	transport       transport.SSHTransport
	maxRetries      int
	shouldRetry     RetryOracle
	cleanupCallback CleanupCallback
}

// New returns a Handler. maxRetries must be >= 0. shouldRetry may be nil,
// in which case every disconnect is retried until maxRetries is exhausted.
// cleanupCallback may be nil.
func New(t transport.SSHTransport, maxRetries int, shouldRetry RetryOracle, cleanupCallback CleanupCallback) *Handler {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Handler{
		transport:       t,
		maxRetries:      maxRetries,
		shouldRetry:     shouldRetry,
		cleanupCallback: cleanupCallback,
	}
}

// ConnectWithReconnect runs the initial connect attempt and, on a disconnect
// exit code, retries up to maxRetries times. cleanup_callback is invoked
// exactly once before each retry, never before the first attempt. A
// cleanup_callback error is logged as a warning and does not stop the
// retry from proceeding.
func (h *Handler) ConnectWithReconnect(ctx context.Context, ep transport.Endpoint, remoteCommand, multiplexSession string) (int, string, error) {
	logger := log.WithComponent("reconnect")

	metrics.ReconnectAttemptsTotal.Inc()
	exitCode, output, err := h.transport.Connect(ctx, ep, remoteCommand, multiplexSession)
	if err != nil || exitCode != transport.ExitDisconnect {
		return exitCode, output, err
	}

	for attempt := 1; attempt <= h.maxRetries; attempt++ {
		if h.shouldRetry != nil && !h.shouldRetry(ctx, attempt) {
			return exitCode, output, err
		}

		if h.cleanupCallback != nil {
			metrics.ReconnectCleanupsTotal.Inc()
			if cerr := h.runCleanup(ctx); cerr != nil {
				logger.Warn().Err(cerr).Int("attempt", attempt).Msg("cleanup callback failed before reconnect attempt")
			}
		}

		metrics.ReconnectAttemptsTotal.Inc()
		exitCode, output, err = h.transport.Connect(ctx, ep, remoteCommand, multiplexSession)
		if err != nil || exitCode != transport.ExitDisconnect {
			return exitCode, output, err
		}
	}

	return exitCode, output, err
}

// runCleanup recovers a panicking cleanup callback the same way it treats a
// returned error: logged, swallowed, retry proceeds.
func (h *Handler) runCleanup(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return h.cleanupCallback(ctx)
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("cleanup callback panicked: %v", e.value)
}
