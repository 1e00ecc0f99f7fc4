package installer

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// fatalMarker is the substring the installer writes on unrecoverable errors.
const fatalMarker = "Fatal:"

// fallbackLines is how many trailing lines are returned when no fatal marker
// exists in the log.
const fallbackLines = 10

// ExtractLogExcerpt collects all lines containing the fatal marker,
// de-duplicated in first-seen order. When the log has no fatal lines it falls
// back to the last lines of the log as best-effort context.
func ExtractLogExcerpt(r io.Reader) []string {
	var fatal []string
	seen := make(map[string]struct{})

	// Ring of trailing lines for the no-fatal fallback.
	tail := make([]string, 0, fallbackLines)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		if len(tail) == fallbackLines {
			copy(tail, tail[1:])
			tail = tail[:fallbackLines-1]
		}
		tail = append(tail, line)

		if !strings.Contains(line, fatalMarker) {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		fatal = append(fatal, line)
	}

	if len(fatal) > 0 {
		return fatal
	}
	return tail
}

// readLogExcerpt extracts an excerpt from the installer log file. Returns nil
// when the log cannot be read; diagnostics are best-effort.
func readLogExcerpt(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	excerpt := ExtractLogExcerpt(f)
	if len(excerpt) == 0 {
		return nil
	}
	return excerpt
}
