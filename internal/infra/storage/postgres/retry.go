package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/vietddude/blobwatch/internal/indexing/metrics"
)

// RetryConfig defines how store operations back off on transient failures.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialDelay:    200 * time.Millisecond,
	MaxDelay:        5 * time.Second,
	BackoffMultiple: 2.0,
}

// ErrRetriesExhausted wraps the last transient error once every attempt failed.
var ErrRetriesExhausted = errors.New("store retries exhausted")

// IsTransient reports whether err is a connectivity-class failure worth retrying.
// Constraint violations, syntax errors and other statement-level failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCode(pgErr.Code)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientCode(string(pqErr.Code))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "terminating connection")
}

// transientCode classifies a SQLSTATE.
func transientCode(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return true
	case code == "57P01", code == "57P02", code == "57P03": // admin/crash shutdown, cannot connect now
		return true
	case code == "53300": // too many connections
		return true
	case code == "40001", code == "40P01": // serialization failure, deadlock
		return true
	}
	return false
}

// withRetry runs fn until it succeeds, fails non-transiently, or attempts run out.
func withRetry(ctx context.Context, cfg RetryConfig, op string, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		metrics.StoreRetries.Inc()
		slog.Warn("Transient store error, retrying", "op", op, "attempt", attempt+1, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(calculateBackoff(attempt, cfg)):
		}
	}

	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRetriesExhausted, attempts, lastErr)
}

func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	multiple := cfg.BackoffMultiple
	if multiple <= 0 {
		multiple = 2.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiple, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
