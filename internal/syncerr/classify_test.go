package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

// statusErr mimics a remote error carrying an HTTP status.
type statusErr struct {
	status int
}

func (e *statusErr) Error() string   { return fmt.Sprintf("http %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

// timeoutErr satisfies net.Error with Timeout() == true.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify_StatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{409, KindConflict},
		{401, KindPermission},
		{403, KindPermission},
		{400, KindValidation},
		{422, KindValidation},
		{404, KindClient},
		{410, KindClient},
		{408, KindTimeout},
		{500, KindServer},
		{503, KindServer},
	}
	for _, tt := range tests {
		got := Classify(&statusErr{status: tt.status})
		if got.Kind != tt.want {
			t.Errorf("status %d: got kind %s, want %s", tt.status, got.Kind, tt.want)
		}
	}
}

func TestClassify_WrappedStatusError(t *testing.T) {
	err := fmt.Errorf("update panels/P-1: %w", &statusErr{status: 403})
	if got := Classify(err); got.Kind != KindPermission {
		t.Errorf("got kind %s, want permission", got.Kind)
	}
}

func TestClassify_TransportErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindNetwork},
		{"text connection refused", errors.New("dial tcp: connection refused"), KindNetwork},
		{"text no such host", errors.New("lookup api.floor.local: no such host"), KindNetwork},
		{"text timed out", errors.New("request timed out"), KindTimeout},
		{"opaque", errors.New("something went sideways"), KindUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got.Kind != tt.want {
			t.Errorf("%s: got kind %s, want %s", tt.name, got.Kind, tt.want)
		}
	}
}

func TestClassify_RetryBudgets(t *testing.T) {
	budgets := map[Kind]struct {
		retryable  bool
		maxRetries int
	}{
		KindNetwork:    {true, 5},
		KindTimeout:    {true, 3},
		KindServer:     {true, 3},
		KindUnknown:    {true, 2},
		KindClient:     {false, 0},
		KindConflict:   {false, 0},
		KindValidation: {false, 0},
		KindPermission: {false, 0},
	}
	for kind, want := range budgets {
		c := ForKind(kind)
		if c.Retryable != want.retryable {
			t.Errorf("%s: retryable = %v, want %v", kind, c.Retryable, want.retryable)
		}
		if c.MaxRetries != want.maxRetries {
			t.Errorf("%s: maxRetries = %d, want %d", kind, c.MaxRetries, want.maxRetries)
		}
	}
}

func TestClassify_Determinism(t *testing.T) {
	err := &statusErr{status: 503}
	first := Classify(err)
	for i := 0; i < 10; i++ {
		if got := Classify(err); got != first {
			t.Fatalf("classification changed between calls: %+v vs %+v", got, first)
		}
	}
}

func TestBackoff_ExponentialWithinBounds(t *testing.T) {
	tests := []struct {
		kind       Kind
		retryCount int
		base       time.Duration
	}{
		{KindNetwork, 0, 2 * time.Second},
		{KindNetwork, 2, 8 * time.Second},
		{KindTimeout, 1, 2 * time.Second},
		{KindServer, 0, 3 * time.Second},
		{KindUnknown, 3, 16 * time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := Backoff(tt.kind, tt.retryCount)
			if d < tt.base || d > tt.base+time.Second {
				t.Fatalf("%s retry %d: delay %v outside [%v, %v]",
					tt.kind, tt.retryCount, d, tt.base, tt.base+time.Second)
			}
		}
	}
}

func TestBackoff_Cap(t *testing.T) {
	if d := Backoff(KindNetwork, 20); d != maxBackoff {
		t.Errorf("got %v, want cap %v", d, maxBackoff)
	}
}

func TestBackoff_NonRetryableKindsZero(t *testing.T) {
	for _, kind := range []Kind{KindClient, KindConflict, KindValidation, KindPermission} {
		if d := Backoff(kind, 3); d != 0 {
			t.Errorf("%s: got %v, want 0", kind, d)
		}
	}
}
