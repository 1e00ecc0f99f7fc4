package installer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pkgdrop/pkgdrop/internal/logging"
)

// Executor runs commands with elevated privilege. It is the boundary to the
// privileged-helper transport: "run a command as root and return its output",
// and "stream output lines from a long-running privileged process".
type Executor interface {
	// ExecuteCommand runs cmd to completion and returns its combined output.
	ExecuteCommand(ctx context.Context, name string, args ...string) (string, error)

	// ExecuteInstallation starts a long-running privileged process and streams
	// its output lines to onLine until the process exits. The final emitted
	// line is the exit-code marker (EXITCODE:<n>). Returns an error only on
	// spawn failure or when the process could not be observed to completion.
	ExecuteInstallation(ctx context.Context, onLine func(string), name string, args ...string) error
}

// SudoExecutor shells out through sudo. It assumes a passwordless sudo rule
// for the installer binary, which is how the privileged helper is provisioned.
type SudoExecutor struct {
	log zerolog.Logger
}

// NewSudoExecutor returns the production privileged executor.
func NewSudoExecutor() *SudoExecutor {
	return &SudoExecutor{log: logging.For("executor")}
}

func (e *SudoExecutor) ExecuteCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "sudo", append([]string{"-n", name}, args...)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	e.log.Debug().Str("cmd", cmd.String()).Msg("Executing privileged command")
	err := cmd.Run()
	if err != nil {
		if strings.Contains(out.String(), "a password is required") {
			return out.String(), ErrPermissionDenied
		}
		return out.String(), fmt.Errorf("command %s failed: %w", name, err)
	}
	return out.String(), nil
}

func (e *SudoExecutor) ExecuteInstallation(ctx context.Context, onLine func(string), name string, args ...string) error {
	cmd := exec.CommandContext(ctx, "sudo", append([]string{"-n", name}, args...)...)
	e.log.Debug().Str("cmd", cmd.String()).Msg("Starting privileged installation")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting installer: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, onLine)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, onLine)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	// The helper protocol requires the exit-code marker as the final line.
	// Synthesize it from the process exit status so consumers see a uniform
	// stream regardless of how the installer died.
	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return fmt.Errorf("installer did not run to completion: %w", waitErr)
		}
	}
	onLine(fmt.Sprintf("EXITCODE:%d", code))
	return nil
}

func streamLines(reader io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && onLine != nil {
			onLine(line)
		}
	}
}
