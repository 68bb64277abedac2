package cloud

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorClass partitions cloud failures into retry categories. Limit and
// permanent failures are dropped by the sync service; only transient
// failures are retried.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassLimit
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassLimit:
		return "limit"
	default:
		return "permanent"
	}
}

// apiError is a failed cloud API call. Status 0 means the request never
// produced an HTTP response (network error, timeout, open breaker).
type apiError struct {
	status        int
	message       string
	transientHint bool
}

func (e *apiError) Error() string {
	if e.status == 0 {
		return fmt.Sprintf("cloud: request failed: %s", e.message)
	}
	return fmt.Sprintf("cloud: HTTP %d: %s", e.status, e.message)
}

// limitPhrases mark capacity-style rejections regardless of status
// code; providers are inconsistent about which 4xx they use.
var limitPhrases = []string{
	"limit exceeded",
	"capacity",
	"quota",
	"too large",
	"maximum number of vectors",
}

// Classify maps an error from the cloud client onto its retry class.
// Unknown (non-API) errors are treated as transient so a programming
// surprise degrades to retries rather than silent data loss.
func Classify(err error) ErrorClass {
	var ae *apiError
	if !errors.As(err, &ae) {
		return ClassTransient
	}

	msg := strings.ToLower(ae.message)
	for _, phrase := range limitPhrases {
		if strings.Contains(msg, phrase) {
			return ClassLimit
		}
	}

	switch {
	case ae.status == 0:
		if ae.transientHint {
			return ClassTransient
		}
		return ClassPermanent
	case ae.status == http.StatusTooManyRequests, ae.status == http.StatusRequestEntityTooLarge:
		return ClassLimit
	case ae.status >= 500:
		return ClassTransient
	case ae.status == http.StatusRequestTimeout:
		return ClassTransient
	default:
		return ClassPermanent
	}
}
