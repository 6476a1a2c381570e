package relay

import (
	"bytes"

	"github.com/tokengate-io/tokengate/internal/dialect"
)

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
	crlf         = []byte("\r\n")
	lf           = []byte("\n")
)

// UsageExtractor accumulates token usage out of an SSE byte stream as a side
// channel of the relay. It tolerates arbitrary chunk fragmentation: bytes
// are buffered until a complete event (double newline) is available, so
// feeding a stream in N partial deliveries yields the same result as feeding
// it whole.
type UsageExtractor struct {
	d       dialect.Dialect
	pending []byte
	usage   dialect.Usage
}

// NewUsageExtractor constructs a UsageExtractor for the given dialect.
func NewUsageExtractor(d dialect.Dialect) *UsageExtractor {
	return &UsageExtractor{d: d, pending: make([]byte, 0, 1024)}
}

// Consume folds a chunk of upstream bytes into the extractor state.
func (e *UsageExtractor) Consume(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	e.pending = append(e.pending, chunk...)
	e.pending = bytes.ReplaceAll(e.pending, crlf, lf)

	for {
		idx := bytes.Index(e.pending, []byte("\n\n"))
		if idx < 0 {
			return
		}
		event := e.pending[:idx]
		e.pending = e.pending[idx+2:]
		e.processEvent(event)
	}
}

// Usage returns the best-known token counts observed so far.
func (e *UsageExtractor) Usage() dialect.Usage {
	return e.usage
}

// processEvent feeds each data line of one SSE event to the dialect. The
// termination sentinel and malformed JSON are ignored.
func (e *UsageExtractor) processEvent(event []byte) {
	for _, line := range bytes.Split(event, lf) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if len(data) == 0 || bytes.Equal(data, doneSentinel) {
			continue
		}
		e.d.ConsumeStreamData(data, &e.usage)
	}
}
