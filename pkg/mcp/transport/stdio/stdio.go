// Package stdio implements the MCP stdio transport: newline-delimited JSON
// objects on standard input/output, a single logical session per process.
package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fyrsmithlabs/mcpcore/pkg/mcp/transport"
)

// maxLineSize bounds a single NDJSON line, following the 10MB buffer used
// by other stdio-framed MCP implementations in the wild.
const maxLineSize = 10 * 1024 * 1024

// Transport is the stdio implementation of transport.Transport. It MUST
// NOT write anything but framed JSON-RPC responses to stdout; diagnostic
// logging goes to Stderr (spec §4.1).
type Transport struct {
	In     io.Reader
	Out    io.Writer
	Stderr io.Writer

	mu      sync.Mutex
	writer  *bufio.Writer
	running bool
	done    chan struct{}

	bytesIn  int64
	bytesOut int64
	lastErr  atomic.Value // string
}

// New builds a stdio transport over the given streams.
func New(in io.Reader, out, stderr io.Writer) *Transport {
	return &Transport{In: in, Out: out, Stderr: stderr}
}

// Start reads newline-delimited JSON-RPC requests from In until the
// context is canceled or In is exhausted, invoking handler for each and
// writing its response followed by a newline back to Out. Partial lines
// are buffered by bufio.Scanner until a terminator arrives; malformed JSON
// is handled by the caller's handler, which is expected to answer with a
// {-32700, "Parse error"} response carrying id: null — this transport only
// frames, it does not parse.
func (t *Transport) Start(ctx context.Context, handler transport.Handler) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("stdio transport already running")
	}
	t.running = true
	t.writer = bufio.NewWriter(t.Out)
	t.done = make(chan struct{})
	t.mu.Unlock()

	scanner := bufio.NewScanner(t.In)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	go func() {
		defer close(t.done)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			atomic.AddInt64(&t.bytesIn, int64(len(line)))

			req := make([]byte, len(line))
			copy(req, line)

			resp := handler(ctx, req)
			if resp == nil {
				continue
			}
			t.writeResponse(resp)
		}
		if err := scanner.Err(); err != nil {
			t.lastErr.Store(err.Error())
			fmt.Fprintf(t.Stderr, "stdio transport: scan error: %v\n", err)
		}
	}()

	return nil
}

func (t *Transport) writeResponse(resp []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		return
	}
	t.writer.Write(resp)
	t.writer.WriteByte('\n')
	t.writer.Flush()
	atomic.AddInt64(&t.bytesOut, int64(len(resp))+1)
}

// Stop waits for the read loop to drain (or the context deadline,
// whichever comes first) and marks the transport stopped.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	done := t.done
	t.running = false
	t.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports byte counters; stdio has no notion of "active connections"
// beyond the one logical session per process.
func (t *Transport) Health() transport.Health {
	errStr := ""
	if v := t.lastErr.Load(); v != nil {
		errStr = v.(string)
	}
	return transport.Health{
		Healthy: errStr == "",
		Error:   errStr,
		Metrics: map[string]int64{
			"bytes_in":  atomic.LoadInt64(&t.bytesIn),
			"bytes_out": atomic.LoadInt64(&t.bytesOut),
		},
	}
}
