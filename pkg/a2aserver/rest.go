package a2aserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/devicebroker/pkg/brokererrors"
	"github.com/kadirpekel/devicebroker/pkg/logger"
	"github.com/kadirpekel/devicebroker/pkg/task"
)

// RESTServer exposes Handler over the REST surface of spec.md §6: plain
// HTTP+JSON verbs instead of a single JSON-RPC endpoint, routed with
// chi the way pkg/transport/http_metrics_middleware.go's handlers are.
type RESTServer struct {
	handler *Handler
}

// NewRESTServer wraps handler for REST serving.
func NewRESTServer(handler *Handler) *RESTServer {
	return &RESTServer{handler: handler}
}

// Routes builds the chi router for the REST surface.
func (s *RESTServer) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/v1/message:send", s.sendMessage)
	r.Post("/v1/message:stream", s.streamMessage)
	r.Get("/v1/tasks", s.listTasks)
	r.Get("/v1/tasks/{id}", s.getTask)
	r.Post("/v1/tasks/{id}:cancel", s.cancelTask)
	r.Post("/v1/tasks/{id}:subscribe", s.resubscribeTask)
	r.Post("/v1/tasks/{id}/pushNotificationConfigs", s.setPushConfig)
	r.Get("/v1/tasks/{id}/pushNotificationConfigs", s.listPushConfigs)
	r.Get("/v1/tasks/{id}/pushNotificationConfigs/{configId}", s.getPushConfig)
	r.Delete("/v1/tasks/{id}/pushNotificationConfigs/{configId}", s.deletePushConfig)
	r.Get("/v1/card", s.getCard)

	return r
}

func (s *RESTServer) sendMessage(w http.ResponseWriter, r *http.Request) {
	var p sendMessageParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeRESTError(w, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad request body", err))
		return
	}
	t, err := s.handler.SendMessage(r.Context(), &p.Message, p.Configuration.toTask())
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeRESTJSON(w, http.StatusOK, t)
}

func (s *RESTServer) streamMessage(w http.ResponseWriter, r *http.Request) {
	var p sendMessageParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeSSEError(w, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad request body", err))
		return
	}
	_, ch, unsubscribe, err := s.handler.StreamMessage(r.Context(), &p.Message, p.Configuration.toTask())
	if err != nil {
		writeSSEError(w, err)
		return
	}
	streamEvents(w, r, ch, unsubscribe)
}

// listTasks implements GET /v1/tasks per spec.md §6, filtering on the
// optional contextId/state query params and capping the result with
// limit (default unbounded).
func (s *RESTServer) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := task.ListFilter{
		ContextID: r.URL.Query().Get("contextId"),
		State:     a2a.TaskState(r.URL.Query().Get("state")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	tasks, err := s.handler.ListTasks(r.Context(), filter)
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeRESTJSON(w, http.StatusOK, tasks)
}

func (s *RESTServer) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.handler.GetTask(r.Context(), a2a.TaskID(id), 0)
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeRESTJSON(w, http.StatusOK, t)
}

func (s *RESTServer) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.handler.CancelTask(r.Context(), a2a.TaskID(id))
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeRESTJSON(w, http.StatusOK, t)
}

func (s *RESTServer) resubscribeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, unsubscribe, err := s.handler.ResubscribeTask(r.Context(), a2a.TaskID(id))
	if err != nil {
		writeSSEError(w, err)
		return
	}
	streamEvents(w, r, ch, unsubscribe)
}

func (s *RESTServer) setPushConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p wirePushConfig
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeRESTError(w, brokererrors.Wrap(brokererrors.KindInvalidParams, "bad request body", err))
		return
	}
	cfg := task.PushConfig{ConfigID: p.ConfigID, CallbackURL: p.CallbackURL, SecretOrAuth: p.SecretOrAuth}
	if err := s.handler.SetPushConfig(r.Context(), a2a.TaskID(id), cfg); err != nil {
		writeRESTError(w, err)
		return
	}
	writeRESTJSON(w, http.StatusOK, cfg)
}

func (s *RESTServer) getPushConfig(w http.ResponseWriter, r *http.Request) {
	id, configID := chi.URLParam(r, "id"), chi.URLParam(r, "configId")
	cfg, err := s.handler.GetPushConfig(r.Context(), a2a.TaskID(id), configID)
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeRESTJSON(w, http.StatusOK, cfg)
}

func (s *RESTServer) listPushConfigs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfgs, err := s.handler.ListPushConfigs(r.Context(), a2a.TaskID(id))
	if err != nil {
		writeRESTError(w, err)
		return
	}
	writeRESTJSON(w, http.StatusOK, cfgs)
}

func (s *RESTServer) deletePushConfig(w http.ResponseWriter, r *http.Request) {
	id, configID := chi.URLParam(r, "id"), chi.URLParam(r, "configId")
	if err := s.handler.DeletePushConfig(r.Context(), a2a.TaskID(id), configID); err != nil {
		writeRESTError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RESTServer) getCard(w http.ResponseWriter, r *http.Request) {
	writeRESTJSON(w, http.StatusOK, s.handler.GetCapabilityManifest(r.Context()))
}

// streamEvents drains ch as SSE, one JSON event body per line, until the
// channel closes, the final event arrives, or the client disconnects.
func streamEvents(w http.ResponseWriter, r *http.Request, ch <-chan task.Event, unsubscribe func()) {
	defer unsubscribe()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRESTError(w, brokererrors.New(brokererrors.KindInternalError, "streaming unsupported"))
		return
	}

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
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			if ev.Final() {
				return
			}
		case <-r.Context().Done():
			logger.GetLogger().Debug("a2aserver: REST stream client disconnected")
			return
		}
	}
}

func writeRESTJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRESTError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch brokererrors.KindOf(err) {
	case brokererrors.KindTaskNotFound, brokererrors.KindNotFound:
		status = http.StatusNotFound
	case brokererrors.KindInvalidParams, brokererrors.KindInvalidRequest:
		status = http.StatusBadRequest
	case brokererrors.KindTaskNotCancelable, brokererrors.KindUnsupportedOperation:
		status = http.StatusConflict
	case brokererrors.KindTimeout:
		status = http.StatusGatewayTimeout
	case brokererrors.KindOverloaded:
		status = http.StatusServiceUnavailable
	}
	writeRESTJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(brokererrors.KindOf(err)),
	})
}
