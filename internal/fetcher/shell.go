package fetcher

import (
	"bytes"
	"net/http"
)

// ShellDetector decides whether a probe response is a client-rendered shell
// whose results only appear after JavaScript runs.
type ShellDetector struct {
	// BodyLengthThreshold bounds the size under which script density counts.
	BodyLengthThreshold int
}

// NewShellDetector returns a detector. Zero selects 2048 bytes.
func NewShellDetector(threshold int) *ShellDetector {
	if threshold <= 0 {
		threshold = 2048
	}
	return &ShellDetector{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// IsShell reports whether p needs a headless render. Only 200 responses
// qualify.
func (d *ShellDetector) IsShell(p Page) bool {
	if p.StatusCode != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(p.Body)) == 0 {
		return true
	}
	if len(p.Body) < d.BodyLengthThreshold && scriptShare(p.Body) >= 25 {
		return true
	}
	for _, m := range spaMarkers {
		if bytes.Contains(p.Body, m) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body bytes inside <script> elements.
// An unterminated element runs to the end of the document.
func scriptShare(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	lower := bytes.ToLower(body)
	covered := 0
	for rest := lower; ; {
		start := bytes.Index(rest, []byte("<script"))
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start:], []byte("</script>"))
		if end < 0 {
			covered += len(rest) - start
			break
		}
		end += start + len("</script>")
		covered += end - start
		rest = rest[end:]
	}
	return covered * 100 / len(lower)
}
