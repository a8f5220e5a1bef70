// Package streamtransport serves JSON-RPC over a newline-delimited
// stream, typically the process's own stdin/stdout, for co-located
// supervised execution. It carries no admission gate: the caller is
// inherently local.
package streamtransport

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/quietloop/projectbridge/internal/jsonrpc"
	"github.com/quietloop/projectbridge/internal/logger"
	"github.com/quietloop/projectbridge/internal/toolset"
)

// lineBodyOverhead covers the JSON-RPC envelope and the tool call's other
// parameters surrounding a base64-encoded uploadReviewSheet payload.
const lineBodyOverhead = 4 << 20 // 4 MiB

// maxLineBytes bounds a single newline-delimited JSON-RPC line. Like
// httptransport's maxRequestBody, it must be large enough to carry
// uploadReviewSheet's contentBase64 argument at its declared
// toolset.MaxUploadBytes decoded ceiling, inflated by base64 encoding. A
// var, not a const, so tests can shrink it without allocating a payload
// anywhere near the real ceiling.
var maxLineBytes = base64.StdEncoding.EncodedLen(toolset.MaxUploadBytes) + lineBodyOverhead

// Server reads one JSON-RPC request per line from r and writes one
// response per line to w. Requests are dispatched concurrently and
// correlated purely by their JSON-RPC id; nothing about the wire framing
// imposes an ordering on responses.
type Server struct {
	Dispatcher *jsonrpc.Dispatcher

	writeMu sync.Mutex
}

// Serve runs the read loop until r is exhausted, ctx is cancelled, or the
// scanner stops on a read error or a line longer than maxLineBytes; a line
// that is not valid JSON-RPC gets an error response and the loop goes on.
// In-flight requests are
// allowed to drain after the loop exits; Serve returns once every
// dispatched request has written its response.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	initialBuf := 64 * 1024
	if initialBuf > maxLineBytes {
		initialBuf = maxLineBytes
	}
	scanner.Buffer(make([]byte, 0, initialBuf), maxLineBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner may reuse its buffer on the next Scan call, so the
		// line must be copied before handing it to a goroutine.
		payload := append([]byte(nil), line...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleLine(ctx, payload, w)
		}()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleLine(ctx context.Context, line []byte, w io.Writer) {
	req, errResp := jsonrpc.Parse(line)
	if errResp != nil {
		s.write(w, errResp)
		return
	}

	resp := s.Dispatcher.Dispatch(ctx, req)
	if resp == nil {
		return
	}
	s.write(w, resp)
}

func (s *Server) write(w io.Writer, resp *jsonrpc.Response) {
	encoded, err := json.Marshal(resp)
	if err != nil {
		logger.Error(context.Background(), "failed to encode stream response", "err", err)
		return
	}
	encoded = append(encoded, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(encoded); err != nil {
		logger.Error(context.Background(), "failed to write stream response", "err", err)
	}
}
