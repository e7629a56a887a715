package upstream

import (
	"bufio"
	"io"
	"strings"
)

// maxSSELine bounds a single SSE line read from an upstream.
const maxSSELine = 64 * 1024

// newSSEScanner returns a line scanner sized for SSE payloads.
func newSSEScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxSSELine)
	return s
}

// parseSSELine splits one SSE line into its field and value. Empty lines,
// comments, and unknown fields report ok=false.
func parseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")
	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
