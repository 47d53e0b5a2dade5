package protocol

import "fmt"

// Wire-visible error codes.
const (
	CodeUnknownDevice = "unknown_device"
	CodeTimeout       = "timeout"
	CodeSendFailed    = "send_failed"
	CodeDeviceOffline = "device_offline"
	CodeUnknownTool   = "unknown_tool"
	CodeInvalidArgs   = "invalid_args"
	CodeConfigInvalid = "config_invalid"
	CodeInternal      = "internal"
)

// CommandError carries a stable code alongside a human-readable message.
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCommandError builds a CommandError with a formatted message.
func NewCommandError(code, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}
