package termpilot

import (
	"errors"
	"fmt"
)

// Sentinel errors for run-level terminal conditions. Tool-level failures
// are never returned as Go errors to the loop; they are converted to tool
// results and fed back to the model so it can recover.
var (
	// ErrUserRejected is returned by a tool whose confirmation was refused.
	ErrUserRejected = errors.New("user rejected the tool call")

	// ErrUserAborted signals the run was aborted via Engine.Abort.
	ErrUserAborted = errors.New("run aborted by user")

	// ErrLoopDetected signals reflection declared too many reflections and
	// stopped the run.
	ErrLoopDetected = errors.New("execution loop detected, stopped automatically")

	// ErrModelEmpty signals the model returned neither tool calls nor
	// content after retries; the configured model may not support
	// function calling.
	ErrModelEmpty = errors.New("model returned no tool calls and no content; it may not support function calling")

	// ErrRunNotFound is returned by Engine methods for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")

	// ErrKnowledgeDisabled is surfaced by knowledge tools when no store is
	// configured or the store reports itself disabled.
	ErrKnowledgeDisabled = errors.New("knowledge store not enabled")

	// ErrMCPNotInitialized is surfaced by mcp__ tool calls before the MCP
	// client has completed initialization.
	ErrMCPNotInitialized = errors.New("mcp client not initialized")

	// ErrSFTPNotInitialized is surfaced by SSH write_file calls when no
	// SFTP session is available.
	ErrSFTPNotInitialized = errors.New("sftp session not initialized")
)

// ErrToolValidation reports a tool-specific precondition failure (missing
// path, invalid line range, invalid regex, unsupported mode on SSH, empty
// or oversize inputs). It is always converted to a tool result.
type ErrToolValidation struct {
	Tool    string
	Message string
}

func (e *ErrToolValidation) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

// ErrPlanViolation reports a plan invariant breach, such as create_plan
// while a plan with pending steps is active.
type ErrPlanViolation struct {
	Message string
}

func (e *ErrPlanViolation) Error() string { return e.Message }

// ErrNetwork wraps a transient network failure from the model client.
// The scheduler retries these with exponential backoff.
type ErrNetwork struct {
	Op  string
	Err error
}

func (e *ErrNetwork) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *ErrNetwork) Unwrap() error { return e.Err }

// ErrHTTP reports a non-2xx response from an HTTP-backed provider.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// networkErrorMarkers are substrings identifying retryable network
// failures in error text. Matching is intentionally string-based: the
// markers originate from syscall names and provider client messages that
// arrive already flattened to text.
var networkErrorMarkers = []string{
	"ECONNRESET",
	"ECONNREFUSED",
	"ETIMEDOUT",
	"ENOTFOUND",
	"ENETUNREACH",
	"EHOSTUNREACH",
	"EPIPE",
	"connection reset",
	"connection refused",
	"socket hang up",
	"timeout",
}

// IsNetworkError reports whether err is a retryable network failure:
// either a typed *ErrNetwork or an error whose text carries one of the
// known transport failure markers.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ne *ErrNetwork
	if errors.As(err, &ne) {
		return true
	}
	msg := err.Error()
	for _, marker := range networkErrorMarkers {
		if containsFold(msg, marker) {
			return true
		}
	}
	return false
}
