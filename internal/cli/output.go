package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for govctl commands
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a check failed: invalid ruleset, denied evaluation
	ExitCommandError = 2 // bad flags, unreachable store
)

// ExitError carries the process exit code for a failed command
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without a cause
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err. Plain errors map to
// ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope of every command
type Response struct {
	Status string      `json:"status"` // ok or error
	Data   interface{} `json:"data,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody describes a failed command
type ErrorBody struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Printer writes command results as text or JSON
type Printer struct {
	Format string
	Out    io.Writer
}

// Success writes data. In text mode text is printed instead of data when
// it is not empty.
func (p *Printer) Success(data interface{}, text string) error {
	if p.Format == FormatJSON {
		return json.NewEncoder(p.Out).Encode(Response{Status: "ok", Data: data})
	}
	if text == "" {
		text = fmt.Sprint(data)
	}
	_, err := fmt.Fprintln(p.Out, text)
	return err
}

// Failure writes an error result
func (p *Printer) Failure(message string, details interface{}) error {
	if p.Format == FormatJSON {
		return json.NewEncoder(p.Out).Encode(Response{
			Status: "error",
			Error:  &ErrorBody{Message: message, Details: details},
		})
	}
	_, err := fmt.Fprintf(p.Out, "Error: %s\n", message)
	return err
}
