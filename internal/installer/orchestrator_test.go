package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdrop/pkgdrop/internal/config"
	"github.com/pkgdrop/pkgdrop/internal/engine/events"
)

// fakeExecutor scripts the installer's output stream per run. ExecuteCommand
// invocations (kill, log truncation) are recorded and succeed.
type fakeExecutor struct {
	mu       sync.Mutex
	commands [][]string
	runs     int
	script   func(run int, ctx context.Context, onLine func(string)) error
}

func (f *fakeExecutor) ExecuteCommand(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, append([]string{name}, args...))
	return "", nil
}

func (f *fakeExecutor) ExecuteInstallation(ctx context.Context, onLine func(string), name string, args ...string) error {
	f.mu.Lock()
	run := f.runs
	f.runs++
	f.mu.Unlock()
	return f.script(run, ctx, onLine)
}

func (f *fakeExecutor) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fakeRemedy struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRemedy) DownloadRemediationPackages(ctx context.Context, onProgress events.Progress, cancelled func() bool, shouldProcess func(string) bool) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	onProgress.Emit(1, "downloading remediation packages")
	return nil
}

func (f *fakeRemedy) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// progressRecorder collects progress callbacks thread-safely.
type progressRecorder struct {
	mu        sync.Mutex
	fractions []float64
}

func (p *progressRecorder) callback() events.Progress {
	return func(fraction float64, label string) {
		p.mu.Lock()
		p.fractions = append(p.fractions, fraction)
		p.mu.Unlock()
	}
}

func (p *progressRecorder) last() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fractions) == 0 {
		return -1
	}
	return p.fractions[len(p.fractions)-1]
}

func (p *progressRecorder) contains(want float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.fractions {
		if f > want-0.001 && f < want+0.001 {
			return true
		}
	}
	return false
}

// testFixture builds an app dir with a readable descriptor, a fake installer
// binary, and orchestrator settings pointing at both.
func testFixture(t *testing.T) (string, config.InstallerSettings) {
	t.Helper()
	dir := t.TempDir()

	binPath := filepath.Join(dir, "vendor-installer")
	require.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0755))

	appDir := filepath.Join(dir, "app")
	require.NoError(t, os.MkdirAll(appDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "driver.manifest"), []byte("name: pkg\n"), 0644))

	cfg := config.InstallerSettings{
		BinaryPath:          binPath,
		LogPath:             filepath.Join(dir, "installer.log"),
		DescriptorName:      "driver.manifest",
		RemediationManifest: "remediation.yaml",
		StallTimeout:        30 * time.Second,
		SettleDelay:         time.Millisecond,
		KillWait:            time.Second,
	}
	return appDir, cfg
}

func emit(onLine func(string), lines ...string) {
	for _, l := range lines {
		onLine(l)
	}
}

func TestInstallSuccess(t *testing.T) {
	appDir, cfg := testFixture(t)
	exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
		emit(onLine, "Extracting payload", "25%", "80%", "EXITCODE:0")
		return nil
	}}
	rec := &progressRecorder{}
	orch := New(exec, &fakeRemedy{}, cfg)

	err := orch.Install(context.Background(), appDir, rec.callback())
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, orch.State())
	assert.Equal(t, 1.0, rec.last())
	assert.True(t, rec.contains(0.25))
	assert.True(t, rec.contains(0.80))
}

func TestInstallFirstExitCodeWins(t *testing.T) {
	appDir, cfg := testFixture(t)
	exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
		emit(onLine, "EXITCODE:0", "EXITCODE:3")
		return nil
	}}
	orch := New(exec, &fakeRemedy{}, cfg)

	err := orch.Install(context.Background(), appDir, nil)
	assert.NoError(t, err, "only the first exit marker decides the outcome")
	assert.Equal(t, StateSucceeded, orch.State())
}

func TestInstallFailureCarriesExitCode(t *testing.T) {
	appDir, cfg := testFixture(t)
	exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
		emit(onLine, "something went wrong", "EXITCODE:7")
		return nil
	}}
	orch := New(exec, &fakeRemedy{}, cfg)

	err := orch.Install(context.Background(), appDir, nil)
	var ierr *InstallError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 7, ierr.ExitCode)
	assert.False(t, ierr.RemediationTried)
	assert.Equal(t, StateFailed, orch.State())
}

func TestInstallAutoFixRetrySucceeds(t *testing.T) {
	appDir, cfg := testFixture(t)
	exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
		if run == 0 {
			emit(onLine, "EXITCODE:11")
		} else {
			emit(onLine, "50%", "EXITCODE:0")
		}
		return nil
	}}
	remedy := &fakeRemedy{}
	rec := &progressRecorder{}
	orch := New(exec, remedy, cfg)

	err := orch.Install(context.Background(), appDir, rec.callback())
	require.NoError(t, err)

	assert.Equal(t, 2, exec.runCount())
	assert.Equal(t, 1, remedy.callCount())
	assert.Equal(t, StateSucceeded, orch.State())
	// The retry's own 50% lands in the [0.8, 1.0] slice of overall progress.
	assert.True(t, rec.contains(0.9), "retry progress must map into the reserved tail range")
	assert.Equal(t, 1.0, rec.last())
}

func TestInstallAutoFixIsBounded(t *testing.T) {
	appDir, cfg := testFixture(t)
	exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
		emit(onLine, "EXITCODE:11")
		return nil
	}}
	remedy := &fakeRemedy{}
	orch := New(exec, remedy, cfg)

	err := orch.Install(context.Background(), appDir, nil)
	var ierr *InstallError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 11, ierr.ExitCode)
	assert.True(t, ierr.RemediationTried)
	assert.Contains(t, ierr.Error(), "already made")
	assert.Equal(t, 2, exec.runCount(), "exactly one remediation retry")
	assert.Equal(t, 1, remedy.callCount())
}

func TestInstallRemediationDownloadFailure(t *testing.T) {
	appDir, cfg := testFixture(t)
	exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
		emit(onLine, "EXITCODE:11")
		return nil
	}}
	remedy := &fakeRemedy{err: errors.New("mirror unreachable")}
	orch := New(exec, remedy, cfg)

	err := orch.Install(context.Background(), appDir, nil)
	var ierr *InstallError
	require.ErrorAs(t, err, &ierr)
	assert.ErrorContains(t, err, "remediation download failed")
	assert.Equal(t, 1, exec.runCount(), "no reinstall without the packages")
}

func TestInstallMissingBinary(t *testing.T) {
	appDir, cfg := testFixture(t)
	cfg.BinaryPath = filepath.Join(t.TempDir(), "missing")
	orch := New(&fakeExecutor{}, &fakeRemedy{}, cfg)

	err := orch.Install(context.Background(), appDir, nil)
	assert.ErrorIs(t, err, ErrSetupNotFound)
}

func TestInstallMissingDescriptor(t *testing.T) {
	appDir, cfg := testFixture(t)
	require.NoError(t, os.Remove(filepath.Join(appDir, "driver.manifest")))
	orch := New(&fakeExecutor{}, &fakeRemedy{}, cfg)

	err := orch.Install(context.Background(), appDir, nil)
	var ierr *InstallError
	require.ErrorAs(t, err, &ierr)
	assert.Contains(t, ierr.Message, "missing")
}

func TestInstallUnreadableDescriptor(t *testing.T) {
	appDir, cfg := testFixture(t)
	path := filepath.Join(appDir, "driver.manifest")
	require.NoError(t, os.Chmod(path, 0200))
	orch := New(&fakeExecutor{}, &fakeRemedy{}, cfg)

	err := orch.Install(context.Background(), appDir, nil)
	var ierr *InstallError
	require.ErrorAs(t, err, &ierr)
	assert.Contains(t, ierr.Message, "not readable")
}

func TestInstallRejectsConcurrentRuns(t *testing.T) {
	appDir, cfg := testFixture(t)
	release := make(chan struct{})
	exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
		<-release
		emit(onLine, "EXITCODE:0")
		return nil
	}}
	orch := New(exec, &fakeRemedy{}, cfg)

	firstDone := make(chan error, 1)
	go func() { firstDone <- orch.Install(context.Background(), appDir, nil) }()

	require.Eventually(t, func() bool {
		return orch.State() == StateInstalling
	}, 5*time.Second, 5*time.Millisecond)

	err := orch.Install(context.Background(), appDir, nil)
	assert.ErrorIs(t, err, ErrInstallBusy)

	close(release)
	require.NoError(t, <-firstDone)
}

func TestInstallFailureIncludesLogExcerpt(t *testing.T) {
	appDir, cfg := testFixture(t)
	logBody := "info: starting\nFatal: kernel headers missing\ninfo: cleanup\nFatal: kernel headers missing\nFatal: dkms build failed\n"
	require.NoError(t, os.WriteFile(cfg.LogPath, []byte(logBody), 0644))

	exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
		emit(onLine, "EXITCODE:5")
		return nil
	}}
	orch := New(exec, &fakeRemedy{}, cfg)

	// Log truncation goes through the fake executor and leaves the file alone,
	// so the excerpt reads the seeded content.
	err := orch.Install(context.Background(), appDir, nil)
	var ierr *InstallError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, []string{
		"Fatal: kernel headers missing",
		"Fatal: dkms build failed",
	}, ierr.LogExcerpt)
}

func TestInstallStreamEndWithoutMarker(t *testing.T) {
	appDir, cfg := testFixture(t)
	exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
		emit(onLine, "10%", "segfault in module loader")
		return nil // stream closes, no exit marker
	}}
	orch := New(exec, &fakeRemedy{}, cfg)

	err := orch.Install(context.Background(), appDir, nil)
	var ierr *InstallError
	require.ErrorAs(t, err, &ierr)
	assert.Contains(t, ierr.Message, "without reporting a result")
	// With no installer log on disk, the buffered stream output stands in.
	assert.Equal(t, []string{"10%", "segfault in module loader"}, ierr.LogExcerpt)
}

func TestInstallStallWatchdog(t *testing.T) {
	appDir, cfg := testFixture(t)
	cfg.StallTimeout = 100 * time.Millisecond
	exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
		<-ctx.Done()
		return nil
	}}
	orch := New(exec, &fakeRemedy{}, cfg)

	err := orch.Install(context.Background(), appDir, nil)
	assert.ErrorIs(t, err, ErrInstallStalled)
}

func TestCancelResolvesAsCancellation(t *testing.T) {
	appDir, cfg := testFixture(t)
	exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
		<-ctx.Done()
		return nil
	}}
	orch := New(exec, &fakeRemedy{}, cfg)

	done := make(chan error, 1)
	go func() { done <- orch.Install(context.Background(), appDir, nil) }()

	require.Eventually(t, func() bool {
		return orch.State() == StateInstalling
	}, 5*time.Second, 5*time.Millisecond)

	orch.Cancel()

	err := <-done
	var ierr *InstallError
	require.ErrorAs(t, err, &ierr)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestProgressMarkers(t *testing.T) {
	tests := []struct {
		name string
		line string
		want float64 // -1 when no progress is expected
	}{
		{"integer percent", "42%", 0.42},
		{"decimal percent", "37.5% complete", 0.375},
		{"embedded percent", "progress: 99% done", 0.99},
		{"count marker ignored", "3/10 modules built", -1},
		{"plain text ignored", "loading configuration", -1},
		{"over 100 ignored", "250% overclock", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appDir, cfg := testFixture(t)
			exec := &fakeExecutor{script: func(run int, ctx context.Context, onLine func(string)) error {
				emit(onLine, tt.line, "EXITCODE:0")
				return nil
			}}
			rec := &progressRecorder{}
			orch := New(exec, &fakeRemedy{}, cfg)

			require.NoError(t, orch.Install(context.Background(), appDir, rec.callback()))
			if tt.want >= 0 {
				assert.True(t, rec.contains(tt.want), "expected fraction %v in %v", tt.want, rec.fractions)
			} else {
				// Only the preparing (0) and final (1) emissions are expected.
				for _, f := range rec.fractions {
					assert.True(t, f == 0 || f == 1, "unexpected progress %v", f)
				}
			}
		})
	}
}
