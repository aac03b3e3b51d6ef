// Package syncerr classifies remote-operation failures into a fixed taxonomy
// that drives retry eligibility, retry budgets, and backoff delays.
package syncerr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Kind is the failure category of a remote operation.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindServer     Kind = "server"
	KindClient     Kind = "client"
	KindConflict   Kind = "conflict"
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindUnknown    Kind = "unknown"
)

// Severity grades how alarming a failure kind is for operators.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification describes a failure kind and its retry policy. Retryable and
// MaxRetries are pure functions of Kind.
type Classification struct {
	Kind       Kind
	Severity   Severity
	Retryable  bool
	MaxRetries int
}

// kindTable fixes severity and retry budget per kind.
var kindTable = map[Kind]Classification{
	KindNetwork:    {Kind: KindNetwork, Severity: SeverityMedium, Retryable: true, MaxRetries: 5},
	KindTimeout:    {Kind: KindTimeout, Severity: SeverityMedium, Retryable: true, MaxRetries: 3},
	KindServer:     {Kind: KindServer, Severity: SeverityHigh, Retryable: true, MaxRetries: 3},
	KindClient:     {Kind: KindClient, Severity: SeverityMedium, Retryable: false, MaxRetries: 0},
	KindConflict:   {Kind: KindConflict, Severity: SeverityHigh, Retryable: false, MaxRetries: 0},
	KindValidation: {Kind: KindValidation, Severity: SeverityLow, Retryable: false, MaxRetries: 0},
	KindPermission: {Kind: KindPermission, Severity: SeverityCritical, Retryable: false, MaxRetries: 0},
	KindUnknown:    {Kind: KindUnknown, Severity: SeverityMedium, Retryable: true, MaxRetries: 2},
}

// ForKind returns the fixed classification for a kind.
func ForKind(kind Kind) Classification {
	if c, ok := kindTable[kind]; ok {
		return c
	}
	return kindTable[KindUnknown]
}

// statusCoded is implemented by remote errors that carry an HTTP status.
type statusCoded interface {
	HTTPStatus() int
}

// Classify maps a raised failure to its Classification. Given the same error
// it always returns the same result.
func Classify(err error) Classification {
	if err == nil {
		return ForKind(KindUnknown)
	}

	var sc statusCoded
	if errors.As(err, &sc) {
		return ForKind(kindForStatus(sc.HTTPStatus()))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ForKind(KindTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ForKind(KindTimeout)
		}
		return ForKind(KindNetwork)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ForKind(KindNetwork)
	}

	// Last resort: match the error text the way the transport surfaces it.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return ForKind(KindTimeout)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "connection reset"):
		return ForKind(KindNetwork)
	}
	return ForKind(KindUnknown)
}

// kindForStatus maps an HTTP status code to a kind. 409 is the only conflict
// signal; 401/403 only ever map to permission.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindPermission
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}
