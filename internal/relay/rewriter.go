package relay

import (
	"bytes"

	"github.com/tokengate-io/tokengate/internal/dialect"
)

// streamRewriter restores the client-facing model name inside forwarded SSE
// data frames. It buffers only up to the next line boundary, so forwarding
// timing is preserved apart from what parsing requires. Non-data lines and
// frames the dialect cannot rewrite pass through byte-identical.
type streamRewriter struct {
	d           dialect.Dialect
	actualModel string
	displayName string
	pending     []byte
}

func newStreamRewriter(d dialect.Dialect, actualModel, displayName string) *streamRewriter {
	return &streamRewriter{d: d, actualModel: actualModel, displayName: displayName}
}

// Transform consumes a chunk and returns the rewritten bytes ready to
// forward. A trailing partial line is held back until completed or flushed.
func (r *streamRewriter) Transform(chunk []byte) []byte {
	r.pending = append(r.pending, chunk...)

	var out []byte
	for {
		idx := bytes.IndexByte(r.pending, '\n')
		if idx < 0 {
			return out
		}
		line := r.pending[:idx+1]
		r.pending = r.pending[idx+1:]
		out = append(out, r.rewriteLine(line)...)
	}
}

// Flush returns any held-back partial line at end of stream.
func (r *streamRewriter) Flush() []byte {
	rest := r.pending
	r.pending = nil
	return rest
}

func (r *streamRewriter) rewriteLine(line []byte) []byte {
	trimmed := bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(trimmed, dataPrefix) {
		return line
	}
	payload := bytes.TrimSpace(trimmed[len(dataPrefix):])
	if len(payload) == 0 || bytes.Equal(payload, doneSentinel) {
		return line
	}

	rewritten := r.d.RewriteModelReferences(payload, r.actualModel, r.displayName)
	if bytes.Equal(rewritten, payload) {
		return line
	}

	terminator := line[len(trimmed):]
	out := make([]byte, 0, len(dataPrefix)+1+len(rewritten)+len(terminator))
	out = append(out, dataPrefix...)
	out = append(out, ' ')
	out = append(out, rewritten...)
	out = append(out, terminator...)
	return out
}
