package main

import (
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

type retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
}

func newRetrier(initialMs, maxMs, maxRetries int) *retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: maxRetries,
	}
}

// do runs fn until success, a non-retryable error, or the attempt budget is
// spent. A 429's Retry-After hint stretches the sleep when it exceeds the
// computed backoff.
func (r *retrier) do(fn func() error, retryable func(error) bool) error {
	var attempt int
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt)
		var se statusError
		if errors.As(err, &se) && se.retryAfter > delay {
			delay = se.retryAfter
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("Retrying submission")
		time.Sleep(delay)
		attempt++
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

// isRetryable allows another attempt only for transport failures and
// 5xx/429 statuses. Other 4xx responses are terminal: the payload is wrong
// and an identical retry would fail identically.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var se statusError
	return errors.As(err, &se)
}

// statusError marks a retryable HTTP status from the gateway.
type statusError struct {
	status     int
	retryAfter time.Duration
}

func (e statusError) Error() string {
	return http.StatusText(e.status)
}
