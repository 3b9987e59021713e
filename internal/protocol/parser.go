package protocol

import (
	"bytes"
	"encoding/json"
)

// LineParser is a buffered parser state machine that turns an arbitrary
// sequence of byte chunks into complete protocol responses. Incomplete
// trailing text is retained across Feed calls rather than re-parsed, and
// malformed lines are counted and skipped, never fatal.
type LineParser struct {
	buf       []byte
	malformed int
}

// NewLineParser creates an empty parser.
func NewLineParser() *LineParser {
	return &LineParser{}
}

// Feed appends a chunk to the internal buffer and returns every complete
// response parsed from it. A line is complete once its trailing newline has
// arrived.
func (p *LineParser) Feed(chunk []byte) []Response {
	p.buf = append(p.buf, chunk...)

	var msgs []Response
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return msgs
		}
		line := bytes.TrimSpace(p.buf[:idx])
		p.buf = p.buf[idx+1:]

		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == "" {
			// Providers may write diagnostics to stdout; skip anything that
			// is not a well-formed response.
			p.malformed++
			continue
		}
		msgs = append(msgs, resp)
	}
}

// Pending returns the number of buffered bytes awaiting a newline.
func (p *LineParser) Pending() int {
	return len(p.buf)
}

// Malformed returns the number of lines skipped as unparseable.
func (p *LineParser) Malformed() int {
	return p.malformed
}
