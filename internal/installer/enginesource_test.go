package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdrop/pkgdrop/internal/config"
	"github.com/pkgdrop/pkgdrop/internal/downloader"
	"github.com/pkgdrop/pkgdrop/internal/store"
	"github.com/pkgdrop/pkgdrop/internal/testutil"
)

func testEngine(t *testing.T) *downloader.Engine {
	t.Helper()
	reg, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	settings := config.DefaultSettings()
	settings.Connections.ChunksPerTask = 2
	settings.Chunks.MinChunkSize = 1
	return downloader.New(context.Background(), reg, settings)
}

func TestEngineSourceDownloadsManifestPackages(t *testing.T) {
	const size = 32 * 1024
	m := testutil.NewMockServerT(t, testutil.WithFileSize(size))

	destDir := t.TempDir()
	manifest := fmt.Sprintf(`packages:
  - name: fix-a.bin
    url: %s/fix-a.bin
    size: %d
  - name: fix-b.bin
    url: %s/fix-b.bin
    size: %d
`, m.URL(), size, m.URL(), size)
	manifestPath := filepath.Join(destDir, "remediation.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0644))

	src := &EngineSource{
		Engine:       testEngine(t),
		ManifestPath: manifestPath,
		DestDir:      destDir,
	}

	var mu sync.Mutex
	var last float64
	err := src.DownloadRemediationPackages(context.Background(), func(fraction float64, label string) {
		mu.Lock()
		last = fraction
		mu.Unlock()
	}, nil, nil)
	require.NoError(t, err)

	for _, name := range []string{"fix-a.bin", "fix-b.bin"} {
		data, err := os.ReadFile(filepath.Join(destDir, name))
		require.NoError(t, err)
		assert.Equal(t, testutil.PatternData(size), data)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1.0, last)
}

func TestEngineSourceHonorsPackageFilter(t *testing.T) {
	destDir := t.TempDir()
	manifest := `packages:
  - name: skip-me.bin
    url: http://unused.invalid/skip-me.bin
    size: 100
`
	manifestPath := filepath.Join(destDir, "remediation.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0644))

	src := &EngineSource{
		Engine:       testEngine(t),
		ManifestPath: manifestPath,
		DestDir:      destDir,
	}

	err := src.DownloadRemediationPackages(context.Background(), nil, nil,
		func(name string) bool { return false })
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(destDir, "skip-me.bin"))
}
