package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/roach88/patchkit/internal/config"
	"github.com/roach88/patchkit/internal/manager"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/txn"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Rejected request (validation error, rollback conflict)
	ExitCommandError = 2 // Command error (unreadable config, git failure, activation failure)
)

// Error codes reported for failures that are not validation errors.
const (
	ErrCodeGeneric          = "ERROR"
	ErrCodeConfig           = "CONFIG"
	ErrCodeRollbackConflict = "ROLLBACK_CONFLICT"
	ErrCodePostCommit       = "POST_COMMIT"
	ErrCodePublish          = "PUBLISH"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitCommandError if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// classify maps an operation error to its reported code, exit code and
// details.
func classify(err error) (code string, exit int, details any) {
	var ve *patch.ValidationError
	var rc *txn.RollbackConflictError
	var pc *manager.PostCommitError
	var pe *txn.PublishError
	switch {
	case errors.As(err, &ve):
		return string(ve.Code), ExitFailure, nil
	case errors.As(err, &rc):
		return ErrCodeRollbackConflict, ExitFailure, map[string]any{"patch": rc.PatchID, "paths": rc.Paths}
	case errors.As(err, &pc):
		return ErrCodePostCommit, ExitCommandError, map[string]any{"op": pc.Op, "patches": pc.PatchIDs, "pending": pc.Pending}
	case errors.As(err, &pe):
		return ErrCodePublish, ExitCommandError, map[string]any{"restored": pe.Restored}
	case config.IsConfigError(err):
		return ErrCodeConfig, ExitCommandError, nil
	default:
		return ErrCodeGeneric, ExitCommandError, nil
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
	Color     bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // validation code or one of the ErrCode constants
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Result outputs data as JSON, or calls text to render it for humans.
func (f *OutputFormatter) Result(data any, text func(w io.Writer, p *Palette)) error {
	if f.Format == "json" {
		return f.Success(data)
	}
	text(f.Writer, NewPalette(f.Color))
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	p := NewPalette(f.Color)
	fmt.Fprintf(f.Writer, "%s [%s]: %s\n", p.Bad("Error"), code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns the ExitError the command should return.
func (f *OutputFormatter) Fail(message string, err error) error {
	code, exit, details := classify(err)
	if outErr := f.Error(code, err.Error(), details); outErr != nil {
		return WrapExitError(ExitCommandError, "write output", outErr)
	}
	return WrapExitError(exit, message, err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// Palette colours text output.
type Palette struct {
	Good, Bad, Warn, Added, Removed, Faint func(a ...any) string
}

// NewPalette returns a palette; with enabled false every function returns
// its arguments unchanged.
func NewPalette(enabled bool) *Palette {
	fn := func(attrs ...color.Attribute) func(a ...any) string {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return &Palette{
		Good:    fn(color.FgGreen),
		Bad:     fn(color.FgRed, color.Bold),
		Warn:    fn(color.FgYellow),
		Added:   fn(color.FgGreen),
		Removed: fn(color.FgRed),
		Faint:   fn(color.Faint),
	}
}
