package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// safeCall runs fn and converts a panic into a *PanicError.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

// safeValue is safeCall for calls that produce a value.
func safeValue[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

// callWithTimeout runs fn on its own goroutine under a ctx bounded by timeout.
// On timeout the ctx is cancelled and fn gets a short grace period to return;
// a call that still has not returned is abandoned.
func callWithTimeout(parent context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return safeCall(func() error { return fn(parent) })
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeCall(func() error { return fn(ctx) })
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	if parent.Err() != nil {
		return parent.Err()
	}

	grace := time.NewTimer(250 * time.Millisecond)
	defer grace.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w after %s: %w", ErrCallTimeout, timeout, err)
		}
		return fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
	case <-grace.C:
		return fmt.Errorf("%w after %s: call did not return after cancel", ErrCallTimeout, timeout)
	}
}

// lookupMethod guards Plugin.Method against panics.
func lookupMethod(p Plugin, name string) (Method, error) {
	var (
		fn Method
		ok bool
	)
	err := safeCall(func() error {
		fn, ok = p.Method(name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ok || fn == nil {
		return nil, fmt.Errorf("method %q not found", name)
	}
	return fn, nil
}

// invoke runs a plugin method with panic recovery.
func invoke(ctx context.Context, fn Method, args Args) (any, error) {
	return safeValue(func() (any, error) { return fn(ctx, args) })
}

// SafeInfo returns p.Info(), or a zero Info if it panics.
func SafeInfo(p Plugin) Info {
	info, _ := safeValue(func() (Info, error) { return p.Info(), nil })
	return info
}

// SafeHealthCheck calls p.HealthCheck with panic recovery.
func SafeHealthCheck(ctx context.Context, p Plugin) (Report, error) {
	return safeValue(func() (Report, error) { return p.HealthCheck(ctx), nil })
}
