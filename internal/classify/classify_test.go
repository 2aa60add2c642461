package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type statusError struct {
	status int
	msg    string
}

func (e statusError) Error() string   { return e.msg }
func (e statusError) StatusCode() int { return e.status }

type codeError struct {
	code int
	msg  string
}

func (e codeError) Error() string { return e.msg }
func (e codeError) Code() int     { return e.code }

func TestClassify_StatusTakesPrecedenceOverMessage(t *testing.T) {
	// message text says 401 but .status says 500: .status wins, so this is retryable, 500.
	err := statusError{status: 500, msg: "HTTP 401: Unauthorized"}
	got := Classify(err)

	require.Equal(t, KindRetryable, got.Kind)
	require.True(t, got.Retryable)
	require.Equal(t, 500, got.StatusCode)
}

func TestClassify_FatalStatuses(t *testing.T) {
	cases := map[int]string{
		400: "Invalid request configuration",
		401: "Invalid API key",
		403: "Access forbidden",
		404: "Endpoint not found",
		418: "Client error 418",
	}
	for status, want := range cases {
		got := Classify(statusError{status: status, msg: "boom"})
		require.Equal(t, KindFatal, got.Kind)
		require.False(t, got.Retryable)
		require.Equal(t, want, got.Message)
	}
}

func TestClassify_RetryableStatuses(t *testing.T) {
	cases := map[int]string{
		429: "Rate limit exceeded",
		500: "Server error",
		502: "Bad gateway",
		503: "Service unavailable",
		504: "Gateway timeout",
		599: "Server error 599",
	}
	for status, want := range cases {
		got := Classify(statusError{status: status, msg: "boom"})
		require.Equal(t, KindRetryable, got.Kind)
		require.True(t, got.Retryable)
		require.Equal(t, want, got.Message)
	}
}

func TestClassify_CodeFallsBackWhenNoStatus(t *testing.T) {
	got := Classify(codeError{code: 503, msg: "boom"})
	require.Equal(t, KindRetryable, got.Kind)
	require.Equal(t, 503, got.StatusCode)
}

func TestClassify_MessagePatternHTTP(t *testing.T) {
	got := Classify(errors.New("HTTP 404 not found"))
	require.Equal(t, KindFatal, got.Kind)
	require.Equal(t, 404, got.StatusCode)
}

func TestClassify_MessagePatternLeadingCode(t *testing.T) {
	got := Classify(errors.New("500: internal error"))
	require.Equal(t, KindRetryable, got.Kind)
	require.Equal(t, 500, got.StatusCode)
}

func TestClassify_NetworkHints(t *testing.T) {
	for _, msg := range []string{
		"dial tcp: connection refused (ECONNREFUSED)",
		"read: ETIMEDOUT",
		"read: ECONNRESET",
		"network is unreachable",
		"request timeout",
		"socket hang up",
		"connection closed",
		"websocket: close sent",
	} {
		got := Classify(errors.New(msg))
		require.Equal(t, KindTimeout, got.Kind, msg)
		require.True(t, got.Retryable, msg)
		require.Equal(t, "Network or timeout error", got.Message)
	}
}

func TestClassify_UnknownDefaultsToRetryable(t *testing.T) {
	got := Classify(errors.New("something weird happened"))
	require.Equal(t, KindUnknown, got.Kind)
	require.True(t, got.Retryable)
	require.Equal(t, "something weird happened", got.Message)
}

func TestClassify_NilError(t *testing.T) {
	got := Classify(nil)
	require.Equal(t, KindUnknown, got.Kind)
	require.True(t, got.Retryable)
}

func TestClassify_Deterministic(t *testing.T) {
	err := statusError{status: 502, msg: "bad gateway"}
	a := Classify(err)
	b := Classify(err)
	require.Equal(t, a, b)
}
