package gateway

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"shellq/internal/protocol"
)

// streamChunkSize keeps individual frames well under the frame size cap.
const streamChunkSize = 16 * 1024

// streamLog sends a task's captured output as a chunk sequence terminated by
// an explicit end marker. It keeps tailing the capture file until the task
// no longer owns a process and the file is drained.
//
// The return value reports whether the session may continue; a transport
// error ends the session and this stream only. The task itself is unaffected
// by a client disconnect.
func (s *session) streamLog(ctx context.Context, conn net.Conn, req *protocol.LogRequest) bool {
	if req == nil {
		return protocol.Send(conn, protocol.Errorf(protocol.ErrMalformed, "log: task_id is required")) == nil
	}
	if _, ok := s.g.store.Task(req.TaskID); !ok {
		return protocol.Send(conn, protocol.Errorf(protocol.ErrUnknownTask, "no such task")) == nil
	}

	f, err := os.Open(s.g.procs.LogPath(req.TaskID))
	if err != nil {
		if os.IsNotExist(err) {
			// Never started; an empty stream is still a complete one.
			return protocol.Send(conn, protocol.Response{Kind: protocol.RespLogEnd}) == nil
		}
		return protocol.Send(conn, protocol.Errorf(protocol.ErrInternal, err.Error())) == nil
	}
	defer f.Close()

	buf := make([]byte, streamChunkSize)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := protocol.Response{
				Kind: protocol.RespLogChunk,
				Log:  &protocol.LogChunk{TaskID: req.TaskID, Data: buf[:n]},
			}
			if protocol.Send(conn, chunk) != nil {
				return false
			}
			continue
		}
		if rerr != nil && rerr != io.EOF {
			_ = protocol.Send(conn, protocol.Errorf(protocol.ErrInternal, rerr.Error()))
			return false
		}

		// Drained. The stream ends once no process can append more.
		t, ok := s.g.store.Task(req.TaskID)
		if !ok || !t.Status.Active() {
			return protocol.Send(conn, protocol.Response{Kind: protocol.RespLogEnd}) == nil
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
