package ctest

import (
	"testing"
	"time"
)

// ScaleMs is the base duration, in milliseconds, for the Soon helpers.
// Tests on slow machines can be accommodated by raising this value.
const ScaleMs = 5000

// ReceiveSoon receives a value from ch, or fails the test
// if nothing arrives within a generous deadline.
func ReceiveSoon[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScaleMs * time.Millisecond)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("timed out waiting to receive on channel of type %T", ch)
		panic("unreachable")
	}
}

// SendSoon sends v to ch, or fails the test
// if the send does not complete within a generous deadline.
func SendSoon[T any](t *testing.T, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScaleMs * time.Millisecond)
	defer timer.Stop()

	select {
	case ch <- v:
		// Okay.
	case <-timer.C:
		t.Fatalf("timed out waiting to send on channel of type %T", ch)
	}
}

// IsSending asserts that ch has a value immediately available.
func IsSending[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	default:
		t.Fatalf("expected channel of type %T to be sending, but it was not", ch)
		panic("unreachable")
	}
}

// NotSending asserts that ch has no value immediately available.
func NotSending[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("expected channel of type %T to not be sending, but received %v", ch, v)
	default:
		// Okay.
	}
}
