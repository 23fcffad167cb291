package provider

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
)

const defaultRetryBackoff = 500 * time.Millisecond

// retryOnce runs fn and, when it fails with a transient error, runs it a
// second time after backoff. Other kinds are returned untouched.
func retryOnce[T any](ctx context.Context, backoff time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	return retryIf(ctx, backoff, isTransient, fn)
}

// retryIf is retryOnce with the caller deciding which failures are worth a
// second attempt.
func retryIf[T any](ctx context.Context, backoff time.Duration, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if err == nil || !retryable(err) {
		return out, err
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return out, err
	case <-timer.C:
	}
	return fn(ctx)
}

func isTransient(err error) bool {
	return connection.KindOf(err) == connection.KindProviderUnavailable
}

// neverDelivered reports a transient failure that happened before the
// request reached the gateway. Only those are safe to repeat for calls the
// gateway acts on, such as sending a message: a 5xx or a timeout may come
// after the gateway already accepted the work.
func neverDelivered(err error) bool {
	if !isTransient(err) {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
