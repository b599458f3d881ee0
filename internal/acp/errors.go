// Package acp implements the client side of the Agent Client Protocol session
// layer: the wire codec, the WebSocket transport, the session state machine,
// and the error taxonomy that drives reconnect decisions.
package acp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a classified session failure.
type ErrorCode string

const (
	CodeNetworkDisconnected ErrorCode = "NETWORK_DISCONNECTED"
	CodeHeartbeatTimeout    ErrorCode = "HEARTBEAT_TIMEOUT"
	CodeAuthExpired         ErrorCode = "AUTH_EXPIRED"
	CodeAuthRejected        ErrorCode = "AUTH_REJECTED"
	CodeServerRestart       ErrorCode = "SERVER_RESTART"
	CodeServerError         ErrorCode = "SERVER_ERROR"
	CodeAgentCrash          ErrorCode = "AGENT_CRASH"
	CodeAgentInstallFailed  ErrorCode = "AGENT_INSTALL_FAILED"
	CodeAgentStartFailed    ErrorCode = "AGENT_START_FAILED"
	CodeAgentError          ErrorCode = "AGENT_ERROR"
	CodePromptTimeout       ErrorCode = "PROMPT_TIMEOUT"
	CodeReconnectTimeout    ErrorCode = "RECONNECT_TIMEOUT"
	CodeConnectionFailed    ErrorCode = "CONNECTION_FAILED"
	CodeURLUnavailable      ErrorCode = "URL_UNAVAILABLE"
	CodeUnknown             ErrorCode = "UNKNOWN"
)

// Severity tells the session how to recover from a classified error.
type Severity string

const (
	// SeverityTransient errors auto-recover without user-facing guidance.
	SeverityTransient Severity = "transient"
	// SeverityRecoverable errors auto-recover but surface guidance to the user.
	SeverityRecoverable Severity = "recoverable"
	// SeverityFatal errors stop automatic recovery until an explicit retry.
	SeverityFatal Severity = "fatal"
)

// ErrorMeta is the user-facing form of a classified error.
type ErrorMeta struct {
	Code            ErrorCode `json:"code"`
	Severity        Severity  `json:"severity"`
	UserMessage     string    `json:"userMessage"`
	SuggestedAction string    `json:"suggestedAction"`
}

// errorRegistry is read-only after package init.
var errorRegistry = map[ErrorCode]ErrorMeta{
	CodeNetworkDisconnected: {
		Severity:        SeverityTransient,
		UserMessage:     "Connection to the agent was lost.",
		SuggestedAction: "Reconnecting automatically. Check your network if this persists.",
	},
	CodeHeartbeatTimeout: {
		Severity:        SeverityTransient,
		UserMessage:     "The agent stopped responding to keepalives.",
		SuggestedAction: "Reconnecting automatically.",
	},
	CodeAuthExpired: {
		Severity:        SeverityRecoverable,
		UserMessage:     "Your session token expired.",
		SuggestedAction: "Reconnecting with a fresh token. Sign in again if this keeps happening.",
	},
	CodeAuthRejected: {
		Severity:        SeverityFatal,
		UserMessage:     "The workspace rejected your credentials.",
		SuggestedAction: "Sign in again, then retry the session.",
	},
	CodeServerRestart: {
		Severity:        SeverityTransient,
		UserMessage:     "The workspace server is restarting.",
		SuggestedAction: "Reconnecting automatically once the server is back.",
	},
	CodeServerError: {
		Severity:        SeverityRecoverable,
		UserMessage:     "The workspace server hit an internal error.",
		SuggestedAction: "Retry the connection. Restart the workspace if it keeps failing.",
	},
	CodeAgentCrash: {
		Severity:        SeverityRecoverable,
		UserMessage:     "The agent process crashed.",
		SuggestedAction: "Retry to restart the agent, or switch to a different agent.",
	},
	CodeAgentInstallFailed: {
		Severity:        SeverityRecoverable,
		UserMessage:     "The agent could not be installed in the workspace.",
		SuggestedAction: "Check the workspace network access and retry.",
	},
	CodeAgentStartFailed: {
		Severity:        SeverityRecoverable,
		UserMessage:     "The agent failed to start.",
		SuggestedAction: "Check the agent credentials in settings and retry.",
	},
	CodeAgentError: {
		Severity:        SeverityRecoverable,
		UserMessage:     "The agent reported an error.",
		SuggestedAction: "Retry, or switch to a different agent.",
	},
	CodePromptTimeout: {
		Severity:        SeverityRecoverable,
		UserMessage:     "The agent took too long to answer.",
		SuggestedAction: "Send the prompt again, or break it into smaller steps.",
	},
	CodeReconnectTimeout: {
		Severity:        SeverityRecoverable,
		UserMessage:     "Could not reconnect to the agent.",
		SuggestedAction: "Check that the workspace is running, then retry.",
	},
	CodeConnectionFailed: {
		Severity:        SeverityRecoverable,
		UserMessage:     "Could not connect to the workspace.",
		SuggestedAction: "Check that the workspace is running, then retry.",
	},
	CodeURLUnavailable: {
		Severity:        SeverityRecoverable,
		UserMessage:     "The workspace endpoint is not available.",
		SuggestedAction: "Wait for the workspace to finish starting, then retry.",
	},
	CodeUnknown: {
		Severity:        SeverityRecoverable,
		UserMessage:     "Something went wrong with the agent session.",
		SuggestedAction: "Retry the connection.",
	},
}

// LookupError returns registry metadata for code. Unregistered codes resolve
// to the UNKNOWN entry.
func LookupError(code ErrorCode) ErrorMeta {
	meta, ok := errorRegistry[code]
	if !ok {
		code = CodeUnknown
		meta = errorRegistry[CodeUnknown]
	}
	meta.Code = code
	return meta
}

// ErrorCodeFromCloseCode maps a WebSocket close code to an error code.
// NoCloseCode and every unlisted code map to UNKNOWN.
func ErrorCodeFromCloseCode(code CloseCode) ErrorCode {
	switch code {
	case CloseNormal:
		return CodeUnknown
	case CloseGoingAway:
		return CodeServerRestart
	case CloseAbnormal:
		return CodeNetworkDisconnected
	case ClosePolicyViolation:
		return CodeAuthRejected
	case CloseInternalError:
		return CodeServerError
	case CloseHeartbeatTimeout:
		return CodeHeartbeatTimeout
	case CloseAuthExpired:
		return CodeAuthExpired
	default:
		return CodeUnknown
	}
}

// ErrorCodeFromMessage classifies free-text failure messages. Checks run in a
// fixed order and the first match wins.
func ErrorCodeFromMessage(message string) ErrorCode {
	if strings.TrimSpace(message) == "" {
		return CodeUnknown
	}
	m := strings.ToLower(message)
	has := func(s string) bool { return strings.Contains(m, s) }

	switch {
	case has("install") && has("fail"):
		return CodeAgentInstallFailed
	case has("crash"):
		return CodeAgentCrash
	case has("start") && has("fail"):
		return CodeAgentStartFailed
	case has("prompt") && (has("timeout") || has("timed out")):
		return CodePromptTimeout
	case has("unauthorized") || has("authentication") || has("token expired"):
		return CodeAuthExpired
	case has("container") && (has("not running") || has("unavailable") || has("no such container")):
		return CodeURLUnavailable
	default:
		return CodeAgentError
	}
}

// Error is a classified session failure. It wraps the underlying cause, if
// any, for logging; only Meta is meant to reach users.
type Error struct {
	Meta  ErrorMeta
	Cause error
}

// NewError builds an *Error for code with an optional cause.
func NewError(code ErrorCode, cause error) *Error {
	return &Error{Meta: LookupError(code), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("acp %s: %v", e.Meta.Code, e.Cause)
	}
	return fmt.Sprintf("acp %s: %s", e.Meta.Code, e.Meta.UserMessage)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code so callers can write
// errors.Is(err, acp.NewError(acp.CodeAuthRejected, nil)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Meta.Code == e.Meta.Code
}

// CodeOf extracts the error code from err, or UNKNOWN if err is not classified.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Meta.Code
	}
	return CodeUnknown
}
