package a2aserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/devicebroker/pkg/brokererrors"
	"github.com/kadirpekel/devicebroker/pkg/logger"
	"github.com/kadirpekel/devicebroker/pkg/task"
)

// JSONRPCServer exposes Handler over a single JSON-RPC 2.0 endpoint per
// spec.md §6, the way pkg/transport/jsonrpc_handler.go exposes the
// teacher's gRPC service: one POST endpoint for request/response calls,
// one for SSE-streamed calls.
type JSONRPCServer struct {
	handler *Handler
}

// NewJSONRPCServer wraps handler for HTTP serving.
func NewJSONRPCServer(handler *Handler) *JSONRPCServer {
	return &JSONRPCServer{handler: handler}
}

// Routes registers the JSON-RPC endpoints on mux.
func (s *JSONRPCServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/rpc", s.serveUnary)
	mux.HandleFunc("/rpc/stream", s.serveStream)
}

func (s *JSONRPCServer) serveUnary(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeJSON(w, errorResponse(nil, brokererrors.New(brokererrors.KindInvalidRequest, "POST required")))
		return
	}

	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		writeJSON(w, errorResponse(nil, brokererrors.New(brokererrors.KindParseError, "failed to read body")))
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, errorResponse(nil, brokererrors.New(brokererrors.KindParseError, "invalid JSON")))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, errorResponse(req.ID, brokererrors.New(brokererrors.KindInvalidRequest, "malformed envelope")))
		return
	}

	result, err := s.dispatch(r.Context(), req.Method, req.Params)
	if err != nil {
		writeJSON(w, errorResponse(req.ID, err))
		return
	}
	writeJSON(w, successResponse(req.ID, result))
}

// dispatch routes every non-streaming logical method of spec.md §4.4.
// message/stream and tasks/resubscribe are handled separately by
// serveStream, since their result is an event stream, not one envelope.
func (s *JSONRPCServer) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "message/send":
		var p sendMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad message/send params", err)
		}
		return s.handler.SendMessage(ctx, &p.Message, p.Configuration.toTask())

	case "tasks/get":
		var p taskIDParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad tasks/get params", err)
		}
		return s.handler.GetTask(ctx, a2a.TaskID(p.TaskID), p.HistoryLength)

	case "tasks/list":
		var p listTasksParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad tasks/list params", err)
			}
		}
		return s.handler.ListTasks(ctx, p.toFilter())

	case "tasks/cancel":
		var p taskIDParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad tasks/cancel params", err)
		}
		return s.handler.CancelTask(ctx, a2a.TaskID(p.TaskID))

	case "tasks/pushNotificationConfig/set":
		var p setPushConfigParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad push config params", err)
		}
		cfg := task.PushConfig{ConfigID: p.ConfigID, CallbackURL: p.CallbackURL, SecretOrAuth: p.SecretOrAuth}
		if err := s.handler.SetPushConfig(ctx, a2a.TaskID(p.TaskID), cfg); err != nil {
			return nil, err
		}
		return cfg, nil

	case "tasks/pushNotificationConfig/get":
		var p pushConfigIDParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad push config params", err)
		}
		return s.handler.GetPushConfig(ctx, a2a.TaskID(p.TaskID), p.ConfigID)

	case "tasks/pushNotificationConfig/list":
		var p taskIDParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad push config params", err)
		}
		return s.handler.ListPushConfigs(ctx, a2a.TaskID(p.TaskID))

	case "tasks/pushNotificationConfig/delete":
		var p pushConfigIDParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad push config params", err)
		}
		if err := s.handler.DeletePushConfig(ctx, a2a.TaskID(p.TaskID), p.ConfigID); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case "card/get":
		return s.handler.GetCapabilityManifest(ctx), nil

	default:
		return nil, brokererrors.New(brokererrors.KindMethodNotFound, fmt.Sprintf("method not found: %s", method))
	}
}

// serveStream implements message/stream and tasks/resubscribe via SSE,
// one JSON-RPC success envelope per event, mirroring
// handleStreamingMessage's header/Flusher idiom.
func (s *JSONRPCServer) serveStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if r.Method != http.MethodPost {
		writeSSEError(w, brokererrors.New(brokererrors.KindInvalidRequest, "POST required"))
		return
	}

	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		writeSSEError(w, brokererrors.New(brokererrors.KindParseError, "failed to read body"))
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeSSEError(w, brokererrors.New(brokererrors.KindParseError, "invalid JSON"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeSSEError(w, brokererrors.New(brokererrors.KindInternalError, "streaming unsupported"))
		return
	}

	var (
		ch          <-chan task.Event
		unsubscribe func()
		taskID      a2a.TaskID
	)

	switch req.Method {
	case "message/stream":
		var p sendMessageParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			writeSSEError(w, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad message/stream params", err))
			return
		}
		var dispatchErr error
		taskID, ch, unsubscribe, dispatchErr = s.handler.StreamMessage(r.Context(), &p.Message, p.Configuration.toTask())
		if dispatchErr != nil {
			writeSSEError(w, dispatchErr)
			return
		}

	case "tasks/resubscribe":
		var p taskIDParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			writeSSEError(w, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad resubscribe params", err))
			return
		}
		taskID = a2a.TaskID(p.TaskID)
		var subErr error
		ch, unsubscribe, subErr = s.handler.ResubscribeTask(r.Context(), taskID)
		if subErr != nil {
			writeSSEError(w, subErr)
			return
		}

	default:
		writeSSEError(w, brokererrors.New(brokererrors.KindMethodNotFound, "use /rpc for non-streaming methods"))
		return
	}
	defer unsubscribe()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			var payload any
			if ev.Status != nil {
				payload = ev.Status
			} else {
				payload = ev.Artifact
			}
			writeSSE(w, successResponse(req.ID, payload))
			flusher.Flush()
			if ev.Final() {
				return
			}
		case <-r.Context().Done():
			logger.GetLogger().Debug("a2aserver: stream client disconnected", "taskID", taskID)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, resp rpcResponse) {
	_ = json.NewEncoder(w).Encode(resp)
}

func writeSSE(w http.ResponseWriter, resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeSSEError(w http.ResponseWriter, err error) {
	writeSSE(w, errorResponse(nil, err))
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
