package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments. A non-zero exit is
// reported through exitCode, not err.
func (RealCommandRunner) RunCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return exitError.ExitCode(), nil
		}
		return 0, err
	}
	return 0, nil
}

// output runs args and returns trimmed stdout. A non-zero exit becomes an
// error carrying stderr.
func output(ctx context.Context, runner CommandRunner, stdin io.Reader, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	code, err := runner.RunCommand(ctx, args, stdin, &stdout, &stderr)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &CommandError{Args: args, ExitCode: code, Stderr: strings.TrimSpace(stderr.String())}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommandError is a failed container CLI invocation.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	sub := ""
	if len(e.Args) > 1 {
		sub = " " + e.Args[1]
	}
	return fmt.Sprintf("%s%s exited with code %d: %s", e.Args[0], sub, e.ExitCode, e.Stderr)
}

// noSuchContainer reports whether err says the container does not exist.
func noSuchContainer(err error) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(ce.Stderr)
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "no container with name or id")
}

// noSuchPath reports whether err says a path is missing in the container.
func noSuchPath(err error) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(ce.Stderr)
	return strings.Contains(msg, "could not find the file") || strings.Contains(msg, "no such file")
}
