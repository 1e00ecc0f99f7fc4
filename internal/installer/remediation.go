package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pkgdrop/pkgdrop/internal/downloader"
	"github.com/pkgdrop/pkgdrop/internal/engine/events"
	"github.com/pkgdrop/pkgdrop/internal/logging"
)

// RemediationSource fetches the known remediation package set. The download
// re-enters the same download engine used for product files.
type RemediationSource interface {
	DownloadRemediationPackages(ctx context.Context, onProgress events.Progress, cancelled func() bool, shouldProcess func(name string) bool) error
}

// RemediationPackage is one entry of the remediation manifest.
type RemediationPackage struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Size int64  `yaml:"size"`
}

// RemediationManifest lists the packages to re-fetch when the installer
// reports its transient remediation exit code.
type RemediationManifest struct {
	Packages []RemediationPackage `yaml:"packages"`
}

// LoadRemediationManifest parses a YAML remediation manifest from disk.
func LoadRemediationManifest(path string) (*RemediationManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read remediation manifest: %w", err)
	}
	var m RemediationManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse remediation manifest: %w", err)
	}
	if len(m.Packages) == 0 {
		return nil, fmt.Errorf("remediation manifest %s lists no packages", path)
	}
	return &m, nil
}

// EngineSource downloads remediation packages through the download engine.
type EngineSource struct {
	Engine       *downloader.Engine
	ManifestPath string
	DestDir      string
}

// waitForPackage blocks until the download settles, folding byte progress into
// the caller's progress slice and honoring the cancellation check.
func (s *EngineSource) waitForPackage(ctx context.Context, id string, cancelled func() bool, onFraction func(float64)) error {
	done := make(chan error, 1)
	go func() { done <- s.Engine.Wait(ctx, id) }()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if cancelled != nil && cancelled() {
				_ = s.Engine.Cancel(id)
				<-done
				return ErrCancelled
			}
			if snap, err := s.Engine.Status(id); err == nil {
				onFraction(snap.Progress())
			}
		}
	}
}

// DownloadRemediationPackages fetches every manifest entry that shouldProcess
// accepts, sequentially, mapping aggregate progress across the whole set.
func (s *EngineSource) DownloadRemediationPackages(ctx context.Context, onProgress events.Progress, cancelled func() bool, shouldProcess func(name string) bool) error {
	log := logging.For("remediation")

	manifest, err := LoadRemediationManifest(s.ManifestPath)
	if err != nil {
		return err
	}

	var selected []RemediationPackage
	for _, pkg := range manifest.Packages {
		if shouldProcess != nil && !shouldProcess(pkg.Name) {
			continue
		}
		selected = append(selected, pkg)
	}
	if len(selected) == 0 {
		return nil
	}

	total := len(selected)
	for i, pkg := range selected {
		if cancelled != nil && cancelled() {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		log.Info().Str("package", pkg.Name).Msg("Fetching remediation package")

		base := float64(i) / float64(total)
		span := 1.0 / float64(total)
		onProgress.Emit(base, "downloading remediation packages")

		destPath := filepath.Join(s.DestDir, pkg.Name)
		id, err := s.Engine.AddSized("remediation", pkg.URL, destPath, pkg.Name, pkg.Size)
		if err != nil {
			return fmt.Errorf("failed to queue remediation package %s: %w", pkg.Name, err)
		}

		if err := s.waitForPackage(ctx, id, cancelled, func(fraction float64) {
			onProgress.Emit(base+span*fraction, "downloading remediation packages")
		}); err != nil {
			return fmt.Errorf("remediation package %s failed: %w", pkg.Name, err)
		}
		onProgress.Emit(base+span, "downloading remediation packages")
	}

	return nil
}
