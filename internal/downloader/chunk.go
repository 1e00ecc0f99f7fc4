package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
)

// Buffer pool to reduce GC pressure across chunk workers.
var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultWorkerBuffer)
		return &buf
	},
}

// ChunkFetcher performs one ranged GET for a byte span of a file and writes it
// sequentially at the chunk's offset. Resumption is idempotent: the request
// always starts at offset + bytes already confirmed on disk.
type ChunkFetcher struct {
	Client    *http.Client
	URL       string
	File      *os.File
	UserAgent string
}

// Fetch downloads the range [offset+existing, offset+length) and invokes
// onProgress with the byte delta after each confirmed write. A cancelled
// context stops the fetch after the current buffered write.
func (f *ChunkFetcher) Fetch(ctx context.Context, offset, length, existing int64, onProgress func(delta int64)) error {
	start := offset + existing
	end := offset + length - 1
	if start > end {
		return nil // Nothing left for this range
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := f.Client.Do(req)
	if err != nil {
		return classifyTransport(f.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Server ignored the Range header; only acceptable when the range
		// starts at the beginning of the file.
		if start != 0 {
			return &HTTPStatusError{URL: f.URL, Code: resp.StatusCode}
		}
	default:
		return &HTTPStatusError{URL: f.URL, Code: resp.StatusCode}
	}

	bufPtr := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufPtr)
	buf := *bufPtr

	pos := start
	remaining := end - start + 1

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		readSize := int64(len(buf))
		if readSize > remaining {
			readSize = remaining
		}

		n, readErr := resp.Body.Read(buf[:readSize])
		if n > 0 {
			if _, writeErr := f.File.WriteAt(buf[:n], pos); writeErr != nil {
				return &IOError{Path: f.File.Name(), Err: writeErr}
			}
			pos += int64(n)
			remaining -= int64(n)
			if onProgress != nil {
				onProgress(int64(n))
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				if remaining > 0 {
					return &NetworkError{URL: f.URL, Err: io.ErrUnexpectedEOF}
				}
				break
			}
			return classifyTransport(f.URL, readErr)
		}
	}

	return nil
}
