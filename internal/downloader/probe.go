package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vfaronov/httpheader"

	"github.com/pkgdrop/pkgdrop/internal/logging"
)

// ProbeResult contains all metadata from a server probe.
type ProbeResult struct {
	FileSize      int64
	SupportsRange bool
	Filename      string
	ContentType   string
}

// Probe sends a GET with Range: bytes=0-0 to determine file size and whether
// the server honors ranged requests.
func Probe(ctx context.Context, client *http.Client, rawurl, userAgent string) (*ProbeResult, error) {
	log := logging.For("probe")

	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}

	req.Header.Set("Range", "bytes=0-0")
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(rawurl, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body) // Drain any remaining data
		resp.Body.Close()
	}()

	result := &ProbeResult{}

	switch resp.StatusCode {
	case http.StatusPartialContent: // 206
		result.SupportsRange = true
		// Content-Range: bytes 0-0/TOTAL
		contentRange := resp.Header.Get("Content-Range")
		if idx := strings.LastIndex(contentRange, "/"); idx != -1 {
			sizeStr := contentRange[idx+1:]
			if sizeStr != "*" {
				result.FileSize, _ = strconv.ParseInt(sizeStr, 10, 64)
			}
		}

	case http.StatusOK: // 200 - server ignores Range header
		result.SupportsRange = false
		if contentLength := resp.Header.Get("Content-Length"); contentLength != "" {
			result.FileSize, _ = strconv.ParseInt(contentLength, 10, 64)
		}

	default:
		return nil, &HTTPStatusError{URL: rawurl, Code: resp.StatusCode}
	}

	result.Filename = extractFilename(rawurl, resp)
	result.ContentType = resp.Header.Get("Content-Type")

	log.Debug().
		Str("filename", result.Filename).
		Int64("size", result.FileSize).
		Bool("range", result.SupportsRange).
		Msg("Probe complete")

	return result, nil
}

// extractFilename gets the filename from Content-Disposition or the URL path.
func extractFilename(rawurl string, resp *http.Response) string {
	if _, name, _ := httpheader.ContentDisposition(resp.Header); name != "" {
		return filepath.Base(name)
	}

	if parsed, err := url.Parse(rawurl); err == nil {
		name := filepath.Base(parsed.Path)
		if name != "" && name != "." && name != "/" {
			return name
		}
	}

	return "download.bin"
}
