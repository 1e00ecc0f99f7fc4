package installer

import (
	"io"
	"os"
	"testing"

	"github.com/pkgdrop/pkgdrop/internal/logging"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}
