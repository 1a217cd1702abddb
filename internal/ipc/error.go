package ipc

import "fmt"

// Stable error codes returned verbatim across the privileged IPC boundary.
//
// NOTE: UI surfaces match on Code, not Message. Codes are part of the
// renderer contract and must not be renamed.
const (
	CodeUntrustedSender          = "UNTRUSTED_SENDER"
	CodeUnknownOperation         = "UNKNOWN_OPERATION"
	CodeBadArgs                  = "BAD_ARGS"
	CodeSecureStorageUnavailable = "SECURE_STORAGE_UNAVAILABLE"
	CodeEnvelopeDecodeFailed     = "ENVELOPE_DECODE_FAILED"
	CodePluginHashMismatch       = "PLUGIN_HASH_MISMATCH"
	CodePluginRuntimeError       = "PLUGIN_RUNTIME_ERROR"
	CodePluginNotRunning         = "PLUGIN_NOT_RUNNING"
	CodeProtocolDesync           = "PROTOCOL_DESYNC"
	CodeInternal                 = "INTERNAL"
)

// Error is the boundary error carried back to a UI surface.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a boundary error with a formatted message.
func Errf(code string, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
