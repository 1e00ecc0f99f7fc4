// Package installer drives one privileged installation to completion: it
// validates the artifact layout, runs the installer binary through the
// privileged executor, parses the streamed output into progress and terminal
// outcomes, and performs a single bounded auto-remediation retry.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"github.com/rs/zerolog"

	"github.com/pkgdrop/pkgdrop/internal/config"
	"github.com/pkgdrop/pkgdrop/internal/engine/events"
	"github.com/pkgdrop/pkgdrop/internal/logging"
)

// State is the orchestrator's current phase.
type State string

const (
	StateIdle            State = "idle"
	StateValidating      State = "validating"
	StatePreparing       State = "preparing"
	StateInstalling      State = "installing"
	StateRetryingAutoFix State = "retrying_autofix"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
)

// exitCodeAutoFix is the one installer exit code known to be transient: the
// driver payload on disk no longer matches what the installer expects, and
// re-fetching the remediation package set fixes it. Every other non-zero code
// is terminal.
const exitCodeAutoFix = 11

// Installer output grammar. The format is fixed and external; lines are
// matched textually.
var (
	exitCodeRe = regexp.MustCompile(`^EXITCODE:(-?\d+)$`)
	percentRe  = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)
	countRe    = regexp.MustCompile(`^\d+/\d+\b`)
)

// Orchestrator runs installations one at a time. The underlying installer is
// a single exclusive system resource, so concurrent Install calls are
// rejected rather than queued.
type Orchestrator struct {
	exec   Executor
	remedy RemediationSource
	cfg    config.InstallerSettings
	log    zerolog.Logger

	mu        sync.Mutex
	busy      bool
	state     State
	cancelRun context.CancelFunc
	sess      *session
}

// New constructs an orchestrator with its collaborators injected.
func New(exec Executor, remedy RemediationSource, cfg config.InstallerSettings) *Orchestrator {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 5 * time.Minute
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = 5 * time.Second
	}
	return &Orchestrator{
		exec:   exec,
		remedy: remedy,
		cfg:    cfg,
		state:  StateIdle,
		log:    logging.For("installer"),
	}
}

// State returns the orchestrator's current phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.log.Debug().Str("state", string(s)).Msg("Install state changed")
}

// Install drives one installation of the application under appDir. At most
// one auto-remediation retry is performed, and only when the first attempt
// ends with the known transient exit code.
func (o *Orchestrator) Install(ctx context.Context, appDir string, onProgress events.Progress) error {
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return ErrInstallBusy
	}
	o.busy = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.busy = false
		o.cancelRun = nil
		o.sess = nil
		o.mu.Unlock()
	}()

	err := o.runAttempt(ctx, appDir, onProgress, true)

	var fix *autoFixNeeded
	if errors.As(err, &fix) {
		o.setState(StateRetryingAutoFix)
		o.log.Info().Int("code", fix.code).Msg("Transient installer failure, fetching remediation packages")

		rerr := o.remedy.DownloadRemediationPackages(ctx,
			onProgress.SubRange(0, 0.8),
			func() bool { return ctx.Err() != nil },
			nil)
		if rerr != nil {
			o.setState(StateFailed)
			return &InstallError{
				Message:  "automatic remediation download failed",
				ExitCode: fix.code,
				Err:      rerr,
			}
		}

		// Second attempt: auto-fix disabled so the retry is bounded.
		err = o.runAttempt(ctx, appDir, onProgress.SubRange(0.8, 1.0), false)
	}

	if err != nil {
		o.setState(StateFailed)
		return err
	}
	o.setState(StateSucceeded)
	onProgress.Emit(1, "installed")
	return nil
}

// Cancel sends a best-effort termination to the running installer. It does
// not by itself resolve the pending Install call; the stream closing without
// a success marker resolves it as a cancellation-induced failure.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelRun
	sess := o.sess
	o.mu.Unlock()
	if cancel == nil {
		return
	}

	killCtx, done := context.WithTimeout(context.Background(), o.cfg.KillWait)
	defer done()
	if out, err := o.exec.ExecuteCommand(killCtx, "/usr/bin/pkill", "-x", filepath.Base(o.cfg.BinaryPath)); err != nil {
		o.log.Debug().Err(err).Str("output", out).Msg("Installer kill signal not delivered")
	}
	cancel()

	if sess != nil {
		// Bounded wait; never block indefinitely on process exit.
		select {
		case <-sess.done:
		case <-time.After(o.cfg.KillWait):
			sess.resolve(&InstallError{Message: "installation cancelled", Err: ErrCancelled})
		}
	}
}

// Retry cancels any running installation, waits a fixed settling delay, and
// starts a fresh install cycle with auto-fix re-enabled.
func (o *Orchestrator) Retry(ctx context.Context, appDir string, onProgress events.Progress) error {
	o.Cancel()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.cfg.SettleDelay):
	}
	return o.Install(ctx, appDir, onProgress)
}

// runAttempt performs one full validate -> prepare -> install cycle.
func (o *Orchestrator) runAttempt(ctx context.Context, appDir string, onProgress events.Progress, allowAutoFix bool) error {
	o.setState(StateValidating)
	descriptor, err := o.validate(appDir)
	if err != nil {
		return err
	}

	o.setState(StatePreparing)
	o.prepare(ctx)
	onProgress.Emit(0, "preparing")

	o.setState(StateInstalling)
	return o.runInstaller(ctx, descriptor, appDir, onProgress, allowAutoFix)
}

// validate confirms the installer binary and the install descriptor exist and
// that the descriptor is readable. An unreadable descriptor is a distinct
// failure from a missing one.
func (o *Orchestrator) validate(appDir string) (string, error) {
	if _, err := os.Stat(o.cfg.BinaryPath); err != nil {
		return "", fmt.Errorf("%w: %s", ErrSetupNotFound, o.cfg.BinaryPath)
	}

	descriptor := filepath.Join(appDir, o.cfg.DescriptorName)
	info, err := os.Stat(descriptor)
	if err != nil {
		return "", &InstallError{
			Message: fmt.Sprintf("install descriptor missing at %s", descriptor),
			Err:     err,
		}
	}
	if info.Mode().Perm()&0400 == 0 {
		return "", &InstallError{
			Message: fmt.Sprintf("install descriptor %s exists but is not readable", descriptor),
		}
	}

	o.checkArtifacts(appDir)
	return descriptor, nil
}

// checkArtifacts sniffs the downloaded package files. A package that is not
// an archive usually means the download fetched an error page; the check is
// best-effort and only logs.
func (o *Orchestrator) checkArtifacts(appDir string) {
	entries, err := os.ReadDir(appDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == o.cfg.DescriptorName || entry.Name() == o.cfg.RemediationManifest {
			continue
		}
		path := filepath.Join(appDir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		head := make([]byte, 262)
		n, _ := f.Read(head)
		f.Close()

		kind, _ := filetype.Match(head[:n])
		if kind == filetype.Unknown || !filetype.IsArchive(head[:n]) {
			o.log.Warn().Str("artifact", entry.Name()).Msg("Package artifact does not look like an archive")
		} else {
			o.log.Debug().Str("artifact", entry.Name()).Str("type", kind.MIME.Value).Msg("Artifact preflight ok")
		}
	}
}

// prepare terminates stale installer instances and clears the installer log so
// this run's log is unambiguous. Failures here are logged, never fatal.
func (o *Orchestrator) prepare(ctx context.Context) {
	binName := filepath.Base(o.cfg.BinaryPath)
	if out, err := o.exec.ExecuteCommand(ctx, "/usr/bin/pkill", "-x", binName); err != nil {
		// pkill also fails when nothing matched; either way it is best-effort.
		o.log.Debug().Err(err).Str("output", out).Msg("No stale installer processes terminated")
	}
	if _, err := o.exec.ExecuteCommand(ctx, "/bin/sh", "-c", ": > "+o.cfg.LogPath); err != nil {
		o.log.Warn().Err(err).Msg("Failed to clear installer log")
	}
}

// runInstaller invokes the privileged executor and consumes the output stream
// until the first terminal signal.
func (o *Orchestrator) runInstaller(ctx context.Context, descriptor, appDir string, onProgress events.Progress, allowAutoFix bool) error {
	sess := newSession()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.cancelRun = cancel
	o.sess = sess
	o.mu.Unlock()

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- o.exec.ExecuteInstallation(runCtx, func(line string) {
			o.handleLine(sess, line, onProgress, allowAutoFix)
		}, o.cfg.BinaryPath, "--manifest", descriptor, "--target", appDir)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			// Terminal decision made. Stop the process defensively in case of
			// stray children and give the stream a bounded window to drain.
			cancel()
			select {
			case <-streamErr:
			case <-time.After(o.cfg.KillWait):
			}
			return sess.outcome()

		case err := <-streamErr:
			// Stream closed without a terminal decision.
			switch {
			case err != nil:
				sess.resolve(&InstallError{Message: "failed to run installer", Err: err})
			case runCtx.Err() != nil:
				sess.resolve(&InstallError{Message: "installation cancelled", Err: ErrCancelled})
			default:
				sess.resolve(&InstallError{
					Message:    "installer exited without reporting a result",
					LogExcerpt: o.failureExcerpt(sess),
				})
			}
			return sess.outcome()

		case <-ticker.C:
			if sess.sinceOutput() > o.cfg.StallTimeout {
				sess.resolve(ErrInstallStalled)
				cancel()
			}
		}
	}
}

// handleLine parses one installer output line. Lines are processed strictly
// in emission order; anything after the first terminal signal only feeds the
// diagnostic buffer.
func (o *Orchestrator) handleLine(sess *session, line string, onProgress events.Progress, allowAutoFix bool) {
	sess.touch()
	sess.buffer(line)

	trimmed := strings.TrimSpace(line)
	if m := exitCodeRe.FindStringSubmatch(trimmed); m != nil {
		code, _ := strconv.Atoi(m[1])
		o.handleExitCode(sess, code, allowAutoFix)
		return
	}

	if sess.isResolved() {
		return
	}

	// Count-based progress (a/b) has no reliable normalization; only percent
	// markers move the progress bar.
	if countRe.MatchString(trimmed) {
		return
	}
	if m := percentRe.FindStringSubmatch(trimmed); m != nil {
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil && pct <= 100 {
			onProgress.Emit(pct/100, "installing")
		}
	}
}

// failureExcerpt prefers the installer log; when that is missing or empty the
// buffered stream output stands in, so a failure is never diagnostics-free.
func (o *Orchestrator) failureExcerpt(sess *session) []string {
	if excerpt := readLogExcerpt(o.cfg.LogPath); len(excerpt) > 0 {
		return excerpt
	}
	return sess.tail(fallbackLines)
}

func (o *Orchestrator) handleExitCode(sess *session, code int, allowAutoFix bool) {
	switch {
	case code == 0:
		if sess.resolve(nil) {
			o.log.Info().Msg("Installer reported success")
		}
	case code == exitCodeAutoFix && allowAutoFix:
		sess.resolve(&autoFixNeeded{code: code})
	default:
		sess.resolve(&InstallError{
			Message:          fmt.Sprintf("installer exited with code %d", code),
			ExitCode:         code,
			LogExcerpt:       o.failureExcerpt(sess),
			RemediationTried: code == exitCodeAutoFix && !allowAutoFix,
		})
	}
}
