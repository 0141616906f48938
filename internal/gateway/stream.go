package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/basket/currency-agent/internal/a2a"
)

// sseWriter frames JSON-RPC responses as server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	broken  bool
}

func (s *sseWriter) send(resp rpcResponse) error {
	if s.broken {
		return errStreamClosed
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.broken = true
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

var errStreamClosed = errors.New("stream closed")

// handleStream serves message/stream and tasks/resubscribe. Invalid params
// get a plain JSON-RPC error; everything after that is sent as events.
func (s *Server) handleStream(ctx context.Context, w http.ResponseWriter, req rpcRequest, id any) *rpcError {
	flusher, ok := w.(http.Flusher)
	if !ok {
		rpcErr := &rpcError{Code: ErrCodeInternal, Message: "streaming not supported"}
		writeJSON(w, http.StatusOK, rpcResponse{ID: id, Error: rpcErr})
		return rpcErr
	}

	var run func(emit func(any) error) error
	switch req.Method {
	case "message/stream":
		var p a2a.MessageSendParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			writeJSON(w, http.StatusOK, rpcResponse{ID: id, Error: rpcErr})
			return rpcErr
		}
		run = func(emit func(any) error) error {
			_, err := s.cfg.Tasks.Submit(ctx, p, emit)
			return err
		}
	default:
		var p a2a.TaskIDParams
		if rpcErr := decodeTaskID(req.Params, &p); rpcErr != nil {
			writeJSON(w, http.StatusOK, rpcResponse{ID: id, Error: rpcErr})
			return rpcErr
		}
		run = func(emit func(any) error) error {
			return s.cfg.Tasks.Resubscribe(ctx, p.ID, emit)
		}
	}

	sse := &sseWriter{w: w, flusher: flusher}
	err := run(func(event any) error {
		return sse.send(rpcResponse{ID: id, Result: event})
	})
	if err == nil || sse.broken || errors.Is(err, context.Canceled) {
		return nil
	}
	rpcErr := s.toRPCError(err)
	if sendErr := sse.send(rpcResponse{ID: id, Error: rpcErr}); sendErr != nil {
		s.logger.Debug("stream: client went away", "method", req.Method, "error", sendErr)
	}
	return rpcErr
}
