// errors.go classifies failures from the vSphere endpoint so that callers
// branch on error kind instead of matching message strings at every call
// site. Message inspection still happens here, once: ESXi reports overload
// through SOAP faults and HTTP errors whose only usable signal is often the
// text ("connect timeout=30", "503 Service Unavailable").
package vsphere

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the coarse classification of an endpoint failure.
type Kind int

const (
	// KindOther is any failure that is neither overload nor absence.
	KindOther Kind = iota
	// KindTimeout is a timed-out call, an overload signal from ESXi.
	KindTimeout
	// KindUnavailable is an explicit overload/rate-limit response.
	KindUnavailable
	// KindNotFound means the requested object does not exist.
	KindNotFound
)

// NotFoundError reports a missing inventory object.
type NotFoundError struct {
	MOID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("vm %s not found", e.MOID)
}

// Classify maps an endpoint error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	var nf *NotFoundError
	if errors.As(err, &nf) {
		return KindNotFound
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return KindTimeout
	}
	if strings.Contains(msg, "503") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "rate limit") {
		return KindUnavailable
	}
	return KindOther
}

// IsOverload reports whether the error is a transient overload signal
// (timeout or unavailable) that should drive backoff rather than alerting.
func IsOverload(err error) bool {
	k := Classify(err)
	return k == KindTimeout || k == KindUnavailable
}
