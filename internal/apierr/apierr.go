// Package apierr defines the closed error taxonomy shared by the request
// pipeline, lease registry, session store, and both transports. Every
// failure that can reach a client is, or is converted into, an *Error.
package apierr

import (
	"errors"
	"fmt"
)

// Code is one of the fixed taxonomy values. Handlers must not invent new
// codes; Unknown is the catch-all for anything that doesn't fit.
type Code string

const (
	InvalidArgs         Code = "INVALID_ARGS"
	DeviceNotFound      Code = "DEVICE_NOT_FOUND"
	DeviceInUse         Code = "DEVICE_IN_USE"
	ToolMissing         Code = "TOOL_MISSING"
	AppNotInstalled     Code = "APP_NOT_INSTALLED"
	UnsupportedPlatform Code = "UNSUPPORTED_PLATFORM"
	UnsupportedOp       Code = "UNSUPPORTED_OPERATION"
	CommandFailed       Code = "COMMAND_FAILED"
	SessionNotFound     Code = "SESSION_NOT_FOUND"
	Unauthorized        Code = "UNAUTHORIZED"
	Unknown             Code = "UNKNOWN"
)

// defaultHints supplies a fallback hint per code when a call site doesn't
// provide one, applied during normalization (§7 step 5 of the design doc
// this package implements).
var defaultHints = map[Code]string{
	InvalidArgs:         "Check command arguments and run --help.",
	DeviceNotFound:      "Confirm the device selector matches a currently attached device.",
	DeviceInUse:         "Close the session currently bound to this device first.",
	ToolMissing:         "Install the required platform tooling and ensure it is on PATH.",
	AppNotInstalled:     "Install the app on the target device before retrying.",
	UnsupportedPlatform: "No backend exists for this platform/kind/target combination.",
	UnsupportedOp:       "This command is not supported on the selected device class.",
	CommandFailed:       "Inspect the diagnostic log for the underlying failure.",
	SessionNotFound:     "Open a session before issuing this command.",
	Unauthorized:        "Check the request token or lease scope.",
	Unknown:             "An unclassified error occurred.",
}

// Error is the structured, normalized error carried through the pipeline
// and serialized into a response envelope. Sub is an optional finer-grained
// discriminator (e.g. "LEASE_NOT_FOUND") joined to Code with a colon when
// rendered, matching the "UNAUTHORIZED:LEASE_SCOPE_MISMATCH"-style codes
// named in the design notes.
type Error struct {
	Code         Code
	Sub          string
	Message      string
	Hint         string
	DiagnosticID string
	LogPath      string
	Details      map[string]any
}

func (e *Error) Error() string {
	if e.Sub != "" {
		return fmt.Sprintf("%s:%s: %s", e.Code, e.Sub, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an *Error, falling back to the taxonomy's default hint when
// none is supplied.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Hint: defaultHints[code]}
}

// WithSub attaches a finer-grained discriminator, e.g. New(Unauthorized,
// "lease scope mismatch").WithSub("LEASE_SCOPE_MISMATCH").
func (e *Error) WithSub(sub string) *Error {
	e.Sub = sub
	return e
}

// WithDetails attaches a details map, replacing any previous one.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithHint overrides the default hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Is reports whether err is an *Error with the given code, unwrapping
// normally. Lets callers write apierr.Is(err, apierr.SessionNotFound).
func Is(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}

// HTTPStatus maps a taxonomy code to the HTTP status used when a normalized
// error crosses the JSON-RPC transport.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidArgs:
		return 400
	case Unauthorized:
		return 401
	case SessionNotFound, DeviceNotFound, AppNotInstalled:
		return 404
	default:
		return 500
	}
}
