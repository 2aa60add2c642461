// Package classify maps a raw upstream error into a tagged category that
// drives retry behavior in the upstream connector.
package classify

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind is the tagged category an error falls into.
type Kind string

const (
	KindFatal     Kind = "fatal"
	KindRetryable Kind = "retryable"
	KindTimeout   Kind = "timeout"
	KindUnknown   Kind = "unknown"
)

// Classification is the pure-function output of Classify.
type Classification struct {
	Kind       Kind
	Retryable  bool
	StatusCode int
	Message    string
	Cause      error
}

// StatusCoder is implemented by errors that carry an HTTP-like status code.
type StatusCoder interface {
	StatusCode() int
}

// CodeCoder is implemented by errors that carry a numeric code distinct from
// StatusCode (lower priority, see rule 1).
type CodeCoder interface {
	Code() int
}

var httpStatusPattern = regexp.MustCompile(`HTTP\s+(\d+)`)
var leadingStatusPattern = regexp.MustCompile(`^(\d+):`)

var networkHints = []string{
	"econnrefused", "etimedout", "econnreset", "network", "timeout", "socket", "closed", "websocket",
}

// Classify is a pure function of the error's exposed status/code and
// message. It is deterministic: the same error always classifies the same
// way.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown, Retryable: true, Message: "Unknown error"}
	}

	msg := err.Error()
	status, ok := extractStatus(err, msg)

	if ok {
		if cls, matched := classifyStatus(status); matched {
			cls.Cause = err
			return cls
		}
	}

	lowerMsg := strings.ToLower(msg)
	for _, hint := range networkHints {
		if strings.Contains(lowerMsg, hint) {
			return Classification{
				Kind:      KindTimeout,
				Retryable: true,
				Message:   "Network or timeout error",
				Cause:     err,
			}
		}
	}

	if msg == "" {
		msg = "Unknown error"
	}
	return Classification{Kind: KindUnknown, Retryable: true, Message: msg, Cause: err}
}

// extractStatus gives .status precedence over .code, and a property-derived
// status overrides a message-derived one.
func extractStatus(err error, msg string) (int, bool) {
	if sc, ok := err.(StatusCoder); ok {
		return sc.StatusCode(), true
	}
	if cc, ok := err.(CodeCoder); ok {
		return cc.Code(), true
	}
	if m := httpStatusPattern.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true
		}
	}
	if m := leadingStatusPattern.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true
		}
	}
	return 0, false
}

func classifyStatus(status int) (Classification, bool) {
	switch status {
	case 400:
		return Classification{Kind: KindFatal, Retryable: false, StatusCode: status, Message: "Invalid request configuration"}, true
	case 401:
		return Classification{Kind: KindFatal, Retryable: false, StatusCode: status, Message: "Invalid API key"}, true
	case 403:
		return Classification{Kind: KindFatal, Retryable: false, StatusCode: status, Message: "Access forbidden"}, true
	case 404:
		return Classification{Kind: KindFatal, Retryable: false, StatusCode: status, Message: "Endpoint not found"}, true
	case 429:
		return Classification{Kind: KindRetryable, Retryable: true, StatusCode: status, Message: "Rate limit exceeded"}, true
	case 500:
		return Classification{Kind: KindRetryable, Retryable: true, StatusCode: status, Message: "Server error"}, true
	case 502:
		return Classification{Kind: KindRetryable, Retryable: true, StatusCode: status, Message: "Bad gateway"}, true
	case 503:
		return Classification{Kind: KindRetryable, Retryable: true, StatusCode: status, Message: "Service unavailable"}, true
	case 504:
		return Classification{Kind: KindRetryable, Retryable: true, StatusCode: status, Message: "Gateway timeout"}, true
	}

	if status >= 400 && status < 500 {
		return Classification{
			Kind: KindFatal, Retryable: false, StatusCode: status,
			Message: "Client error " + strconv.Itoa(status),
		}, true
	}
	if status >= 500 && status < 600 {
		return Classification{
			Kind: KindRetryable, Retryable: true, StatusCode: status,
			Message: "Server error " + strconv.Itoa(status),
		}, true
	}
	return Classification{}, false
}
