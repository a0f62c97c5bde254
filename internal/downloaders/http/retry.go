package rangehttp

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/tanq16/rangedl/internal/utils"
)

type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   utils.DefaultMaxRetries,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.5,
	}
}

type errorClass int

const (
	classFatal errorClass = iota
	classTransient
	classThrottled
)

// classify decides whether a failed fetch may be retried from its cursor.
// Local write failures, cancellation and client errors are never retried.
func classify(err error) errorClass {
	if err == nil || errors.Is(err, context.Canceled) {
		return classFatal
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests || se.Code == http.StatusServiceUnavailable:
			return classThrottled
		case se.Code >= 500:
			return classTransient
		default:
			return classFatal
		}
	}
	switch utils.KindOf(err) {
	case utils.KindIOFailure, utils.KindInvalidArgument, utils.KindUnsupportedResource,
		utils.KindStateCorruption, utils.KindUnexpectedStatus:
		return classFatal
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return classTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return classTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return classTransient
	}
	return classFatal
}

// backoff returns base*2^(attempt-1) capped at MaxDelay with symmetric jitter.
// Throttled responses wait twice as long.
func (c RetryConfig) backoff(attempt int, class errorClass) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.BaseDelay) * math.Pow(2, float64(attempt-1))
	if class == classThrottled {
		delay *= 2
	}
	delay = min(delay, float64(c.MaxDelay))
	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	return time.Duration(max(delay, 0))
}

func (c RetryConfig) wait(ctx context.Context, attempt int, class errorClass) error {
	timer := time.NewTimer(c.backoff(attempt, class))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
