// Package testutil provides HTTP fixtures for exercising the download engine:
// a range-capable origin server with deterministic content, request recording,
// fault injection, and a request gate for concurrency assertions.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ByteRange records one served Range request.
type ByteRange struct {
	Start int64
	End   int64
}

// MockServer is a configurable HTTP origin for download tests. Content is a
// deterministic byte pattern so assembled files can be verified byte for byte.
type MockServer struct {
	Server *httptest.Server

	FileSize       int64
	SupportsRanges bool
	ContentType    string
	Filename       string
	Latency        time.Duration // per-request delay before the body
	FailFirstN     int           // answer the first N data requests with 500
	FailAfterBytes int64         // cut each response body after N bytes

	RequestCount  atomic.Int64
	RangeRequests atomic.Int64
	FullRequests  atomic.Int64
	BytesServed   atomic.Int64

	mu     sync.Mutex
	reqNum int
	ranges []ByteRange

	gate chan struct{}
	data []byte
}

// MockServerOption configures a MockServer.
type MockServerOption func(*MockServer)

// WithFileSize sets the size of the served file.
func WithFileSize(size int64) MockServerOption {
	return func(m *MockServer) { m.FileSize = size }
}

// WithRangeSupport enables or disables Range request handling. With ranges
// disabled every request is answered 200 with the full body.
func WithRangeSupport(enabled bool) MockServerOption {
	return func(m *MockServer) { m.SupportsRanges = enabled }
}

// WithContentType sets the Content-Type header.
func WithContentType(ct string) MockServerOption {
	return func(m *MockServer) { m.ContentType = ct }
}

// WithFilename sets the filename advertised via Content-Disposition.
func WithFilename(name string) MockServerOption {
	return func(m *MockServer) { m.Filename = name }
}

// WithLatency delays each response by d before the body is written.
func WithLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) { m.Latency = d }
}

// WithFailFirstN answers the first n data requests with HTTP 500. Later
// requests succeed, which is how retry behavior is exercised.
func WithFailFirstN(n int) MockServerOption {
	return func(m *MockServer) { m.FailFirstN = n }
}

// WithFailAfterBytes truncates each response body after n bytes, simulating a
// connection dropped mid-transfer.
func WithFailAfterBytes(n int64) MockServerOption {
	return func(m *MockServer) { m.FailAfterBytes = n }
}

// WithGate makes every data request block until Release or ReleaseAll is
// called, so tests can observe how many transfers run concurrently.
func WithGate() MockServerOption {
	return func(m *MockServer) { m.gate = make(chan struct{}) }
}

// NewMockServerT starts a mock origin and registers cleanup with t.
func NewMockServerT(t *testing.T, opts ...MockServerOption) *MockServer {
	t.Helper()
	m := &MockServer{
		FileSize:       1024 * 1024,
		SupportsRanges: true,
		ContentType:    "application/octet-stream",
		Filename:       "testfile.bin",
	}
	for _, opt := range opts {
		opt(m)
	}

	m.data = PatternData(m.FileSize)
	m.Server = NewHTTPServerT(t, http.HandlerFunc(m.handleRequest))
	t.Cleanup(m.Close)
	return m
}

// PatternData generates the deterministic content a MockServer of the given
// size serves. Tests compare downloaded files against it.
func PatternData(size int64) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*31 + 7) % 251)
	}
	return data
}

// URL returns the origin's base URL.
func (m *MockServer) URL() string { return m.Server.URL }

// Close shuts the origin down and unblocks any gated requests.
func (m *MockServer) Close() {
	m.ReleaseAll()
	if m.Server != nil {
		m.Server.Close()
	}
}

// Ranges returns the Range requests served so far, in arrival order.
func (m *MockServer) Ranges() []ByteRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ByteRange, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// Release unblocks n gated requests.
func (m *MockServer) Release(n int) {
	for i := 0; i < n; i++ {
		m.gate <- struct{}{}
	}
}

// ReleaseAll permanently opens the gate.
func (m *MockServer) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

func (m *MockServer) waitGate() {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (m *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	m.RequestCount.Add(1)

	m.mu.Lock()
	m.reqNum++
	reqNum := m.reqNum
	m.mu.Unlock()

	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	if r.Method == http.MethodHead {
		m.writeHeaders(w, 0, m.FileSize-1)
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		return
	}

	if m.FailFirstN > 0 && reqNum <= m.FailFirstN {
		http.Error(w, "synthetic failure", http.StatusInternalServerError)
		return
	}

	m.waitGate()

	start := int64(0)
	end := m.FileSize - 1
	rangeHeader := r.Header.Get("Range")

	if rangeHeader != "" && m.SupportsRanges {
		var err error
		start, end, err = parseRange(rangeHeader, m.FileSize)
		if err != nil {
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}

		m.RangeRequests.Add(1)
		m.mu.Lock()
		m.ranges = append(m.ranges, ByteRange{Start: start, End: end})
		m.mu.Unlock()

		m.writeHeaders(w, start, end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.FileSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		m.FullRequests.Add(1)
		m.writeHeaders(w, 0, m.FileSize-1)
		if m.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
	}

	m.writeBody(w, start, end)
}

func (m *MockServer) writeHeaders(w http.ResponseWriter, start, end int64) {
	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	if m.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, m.Filename))
	}
}

func (m *MockServer) writeBody(w http.ResponseWriter, start, end int64) {
	length := end - start + 1
	written := int64(0)
	const chunk = int64(32 * 1024)

	for written < length {
		if m.FailAfterBytes > 0 && written >= m.FailAfterBytes {
			// Truncate the body; the client sees an unexpected EOF.
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			return
		}

		n := chunk
		if remaining := length - written; remaining < n {
			n = remaining
		}

		wrote, err := w.Write(m.data[start+written : start+written+n])
		if err != nil {
			return
		}
		written += int64(wrote)
		m.BytesServed.Add(int64(wrote))
	}
}

// parseRange parses "bytes=start-end", "bytes=start-", and "bytes=-suffix".
func parseRange(rangeHeader string, fileSize int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(rangeHeader, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}
	parts := strings.Split(spec, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	var start, end int64
	var err error

	if parts[0] == "" {
		end = fileSize - 1
		start, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		start = fileSize - start
	} else {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		if parts[1] == "" {
			end = fileSize - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, err
			}
		}
	}

	if start < 0 || end >= fileSize || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}
	return start, end, nil
}
