// Package relay forwards upstream response bytes to the client while
// incrementally extracting token usage out of the same stream.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tokengate-io/tokengate/internal/dialect"
)

// heartbeatFrame is the keep-alive comment written to the client on a fixed
// interval. It carries no payload and is never counted toward usage.
var heartbeatFrame = []byte(": heartbeat\n\n")

const readBufferSize = 32 * 1024

// Stream relays the upstream SSE body to the client until EOF or error,
// rewriting model references per frame and extracting usage as it goes.
//
// The returned usage is the extractor's best-known value at the moment the
// stream ended; a non-nil error means the stream terminated early (upstream
// read failure or client disconnect) and the caller still bills that usage
// when any was observed. The heartbeat goroutine is always stopped before
// Stream returns.
func Stream(
	ctx context.Context,
	w http.ResponseWriter,
	upstream io.Reader,
	d dialect.Dialect,
	actualModel, displayName string,
	heartbeat time.Duration,
) (dialect.Usage, error) {
	flusher, _ := w.(http.Flusher)

	// Heartbeat and relay writes interleave on the same connection.
	var writeMu sync.Mutex
	write := func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, errWrite := w.Write(b); errWrite != nil {
			return errWrite
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	if heartbeat > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if errWrite := write(heartbeatFrame); errWrite != nil {
						return
					}
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	defer func() {
		close(done)
		wg.Wait()
	}()

	extractor := NewUsageExtractor(d)
	rewriter := newStreamRewriter(d, actualModel, displayName)

	buf := make([]byte, readBufferSize)
	for {
		n, errRead := upstream.Read(buf)
		if n > 0 {
			// Extraction must see every byte before it is forwarded so the
			// terminal debit never races the stream.
			extractor.Consume(buf[:n])
			if errWrite := write(rewriter.Transform(buf[:n])); errWrite != nil {
				return extractor.Usage(), errWrite
			}
		}
		if errors.Is(errRead, io.EOF) {
			if errWrite := write(rewriter.Flush()); errWrite != nil {
				return extractor.Usage(), errWrite
			}
			return extractor.Usage(), nil
		}
		if errRead != nil {
			return extractor.Usage(), errRead
		}
	}
}
