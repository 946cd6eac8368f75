package downstream

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Downstream servers frequently write human-readable log lines to stdout
// alongside their JSON-RPC replies. The reader drops anything shaped like
// a log line before trying to parse a reply.
var (
	datetimePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`)
	clockPrefix    = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}\.\d{3} \[`)
)

// isLogLine reports whether a stdout line matches a known log-timestamp
// shape.
func isLogLine(line string) bool {
	return datetimePrefix.MatchString(line) || clockPrefix.MatchString(line)
}

// keepLine reports whether a stdout line may contribute to a JSON-RPC
// reply. Empty lines, log lines, and lines that do not open a JSON object
// are discarded.
func keepLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if isLogLine(trimmed) {
		return false
	}
	return strings.HasPrefix(trimmed, "{")
}

// accumulator collects kept stdout lines until they form a valid JSON
// document. Replies are normally a single line, but a child may flush a
// message in fragments; the accumulator keeps partial payloads across
// lines and resets once a document parses.
type accumulator struct {
	buf bytes.Buffer
}

// Feed adds one raw stdout line. It returns the full payload and true
// once the accumulated kept lines parse as JSON.
func (a *accumulator) Feed(line string) ([]byte, bool) {
	if !keepLine(line) {
		return nil, false
	}
	a.buf.WriteString(strings.TrimSpace(line))
	if !json.Valid(a.buf.Bytes()) {
		return nil, false
	}
	payload := make([]byte, a.buf.Len())
	copy(payload, a.buf.Bytes())
	a.buf.Reset()
	return payload, true
}

// Reset discards any partial payload, e.g. after a request timeout.
func (a *accumulator) Reset() {
	a.buf.Reset()
}

// Len returns the number of buffered payload bytes.
func (a *accumulator) Len() int {
	return a.buf.Len()
}
