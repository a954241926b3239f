package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran but the outcome was negative
	ExitCommandError = 2 // bad input, unknown id, or a database error
)

// Codes carried in the error envelope.
const (
	ErrCodeGeneric    = "E001"
	ErrCodeNotFound   = "E002"
	ErrCodeInvalid    = "E003"
	ErrCodeValidation = "E004"
	ErrCodeCompile    = "E005"
)

// exitError carries a process exit code up to main. reported is set once the
// printer has shown the error to the user.
type exitError struct {
	code     int
	msg      string
	cause    error
	reported bool
}

func (e *exitError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *exitError) Unwrap() error { return e.cause }

// exitf returns an error that exits with code and has not been printed.
func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by the root command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return ExitFailure
}

// Exit prints err to w unless a command already reported it, and returns
// the exit code.
func Exit(w io.Writer, err error) int {
	var e *exitError
	if err != nil && !(errors.As(err, &e) && e.reported) {
		fmt.Fprintln(w, "errand:", err)
	}
	return ExitCode(err)
}

// textRenderer is implemented by views that know their own text layout.
type textRenderer interface {
	renderText(w io.Writer)
}

// envelope is the shape of every --format json response.
type envelope struct {
	Status string         `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// printer writes command results to stdout as text or JSON.
type printer struct {
	json    bool
	w       io.Writer
	verbose bool
}

// Success prints data, through its own renderer in text mode.
func (p *printer) Success(data any) error {
	if p.json {
		return p.encode(envelope{Status: "ok", Data: data})
	}
	if r, ok := data.(textRenderer); ok {
		r.renderText(p.w)
	} else {
		fmt.Fprintln(p.w, data)
	}
	return nil
}

// Error prints an error envelope. details only reach text output with
// --verbose.
func (p *printer) Error(code, message string, details any) error {
	if p.json {
		return p.encode(envelope{Status: "error", Error: &envelopeError{Code: code, Message: message, Details: details}})
	}
	fmt.Fprintf(p.w, "Error [%s]: %s\n", code, message)
	if p.verbose && details != nil {
		fmt.Fprintf(p.w, "Details: %v\n", details)
	}
	return nil
}

// report prints cause under code and returns it as an already reported
// error that exits with exit.
func (p *printer) report(exit int, code, what string, cause error) error {
	e := &exitError{code: exit, msg: what, cause: cause, reported: true}
	_ = p.Error(code, e.Error(), nil)
	return e
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
