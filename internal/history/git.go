package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Default identity used for history commits.
const (
	DefaultUser  = "patchkit"
	DefaultEmail = "patchkit@localhost"
)

// Git runs the git binary with a fixed, isolated configuration.
type Git struct {
	// Binary is the git executable; empty means "git" from PATH.
	Binary string

	// User and Email are the committer identity.
	User  string
	Email string

	Logger *slog.Logger
}

// RepositoryError is an I/O or protocol failure of the history store.
// It is fatal to the enclosing transaction.
type RepositoryError struct {
	// Op is the git subcommand.
	Op string

	// Args are the remaining arguments.
	Args []string

	// Stderr is the trimmed error output of git.
	Stderr string

	Err error
}

// Error implements the error interface.
func (e *RepositoryError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %v: %s", e.Op, e.Err, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *RepositoryError) Unwrap() error { return e.Err }

// IsRepositoryError reports whether err is a RepositoryError.
// Uses errors.As to handle wrapped errors.
func IsRepositoryError(err error) bool {
	var re *RepositoryError
	return errors.As(err, &re)
}

// Available reports whether the git binary can be found.
func (g *Git) Available() bool {
	_, err := exec.LookPath(g.binary())
	return err == nil
}

func (g *Git) binary() string {
	if g == nil || g.Binary == "" {
		return "git"
	}
	return g.Binary
}

func (g *Git) logger() *slog.Logger {
	if g == nil || g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

func (g *Git) identity() (string, string) {
	user, email := DefaultUser, DefaultEmail
	if g != nil && g.User != "" {
		user = g.User
	}
	if g != nil && g.Email != "" {
		email = g.Email
	}
	return user, email
}

// Run executes git in dir and returns its standard output.
func (g *Git) Run(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.RunBytes(ctx, dir, nil, args...)
	return string(out), err
}

// RunBytes executes git in dir, feeding stdin when non-nil, and returns the
// raw standard output.
func (g *Git) RunBytes(ctx context.Context, dir string, stdin []byte, args ...string) ([]byte, error) {
	user, email := g.identity()
	full := []string{
		"-c", "user.name=" + user,
		"-c", "user.email=" + email,
		"-c", "commit.gpgsign=false",
		"-c", "tag.gpgsign=false",
		"-c", "core.autocrlf=false",
		"-c", "core.quotepath=false",
		"-c", "init.defaultBranch=" + MainBranch,
		"-c", "advice.detachedHead=false",
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, g.binary(), full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_AUTHOR_NAME="+user,
		"GIT_AUTHOR_EMAIL="+email,
		"GIT_COMMITTER_NAME="+user,
		"GIT_COMMITTER_EMAIL="+email,
		"LC_ALL=C",
	)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	g.logger().Debug("git", "dir", dir, "args", args)
	if err := cmd.Run(); err != nil {
		op, rest := "", []string(nil)
		if len(args) > 0 {
			op, rest = args[0], args[1:]
		}
		return stdout.Bytes(), &RepositoryError{
			Op:     op,
			Args:   rest,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

// exitCode extracts the process exit code from a RepositoryError.
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// stderrOf returns the captured stderr of a RepositoryError.
func stderrOf(err error) string {
	var re *RepositoryError
	if errors.As(err, &re) {
		return re.Stderr
	}
	return ""
}

func lines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
