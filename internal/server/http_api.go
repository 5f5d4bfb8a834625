package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/julienschmidt/httprouter"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/app"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/auth"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/errs"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const maxAPIBodySize = 10 << 20

type apiHandle func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, a *app.App, body []byte) int

type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(format string, args ...any) error {
	return &apiError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

func tooLarge(format string, args ...any) error {
	return &apiError{status: http.StatusRequestEntityTooLarge, message: fmt.Sprintf(format, args...)}
}

// writeJSON writes v and returns the number of body bytes written.
func writeJSON(w http.ResponseWriter, status int, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return 0
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	n, _ := w.Write(data)
	return n
}

func writeError(w http.ResponseWriter, err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return writeJSON(w, ae.status, map[string]string{"error": ae.message})
	}
	switch errs.KindOf(err) {
	case errs.KindShuttingDown:
		return writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server is shutting down"})
	case errs.KindAuthFailed:
		return writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	default:
		logger.ErrorF("HTTP API request failed, details: %v", err)
		return writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// signed resolves :app_id, verifies the request signature and records the API
// traffic of the app.
func (s *Server) signed(handle apiHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		a, err := s.apps.FindByID(r.Context(), ps.ByName("app_id"))
		if err != nil {
			if errors.Is(err, app.ErrAppNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "app not found"})
				return
			}
			writeError(w, err)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAPIBodySize))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
		if err := auth.ValidAPIRequest(a.Key, a.Secret, r.Method, r.URL.Path, r.URL.Query(), body, time.Now()); err != nil {
			logger.InfoF("HTTP API request to %s rejected, details: %v", r.URL.Path, err)
			writeError(w, errs.Wrap(errs.KindAuthFailed, "api", err))
			return
		}
		limited := a.WithDefaults()
		sent := handle(w, r, ps, &limited, body)
		s.metrics.MarkAPIMessage(limited.ID, len(body), sent)
	}
}

type triggerRequest struct {
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	Channels []string        `json:"channels,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
}

func (t *triggerRequest) targets() []string {
	if len(t.Channels) > 0 {
		return t.Channels
	}
	if t.Channel != "" {
		return []string{t.Channel}
	}
	return nil
}

func validateTrigger(a *app.App, t *triggerRequest) error {
	if t.Name == "" {
		return badRequest("event name is required")
	}
	if len(t.Name) > a.MaxEventNameLength {
		return tooLarge("event name is longer than %d characters", a.MaxEventNameLength)
	}
	if len(t.Data) > a.MaxEventPayloadInKB*1024 {
		return tooLarge("event payload is larger than %d KB", a.MaxEventPayloadInKB)
	}
	channels := t.targets()
	if len(channels) == 0 {
		return badRequest("at least one channel is required")
	}
	if len(channels) > a.MaxEventChannelsAtOnce {
		return badRequest("cannot trigger on more than %d channels at once", a.MaxEventChannelsAtOnce)
	}
	for _, ch := range channels {
		if err := protocol.ValidChannelName(ch, a.MaxChannelNameLength); err != nil {
			return badRequest("%v", err)
		}
	}
	return nil
}

func (s *Server) trigger(ctx context.Context, a *app.App, t *triggerRequest) {
	for _, ch := range t.targets() {
		err := s.adapter.Send(ctx, a.ID, ch, protocol.Event(t.Name, ch, t.Data, ""), t.SocketID)
		if err != nil {
			logger.WarnF("Fail to trigger %s on %s for app %s, details: %v", t.Name, ch, a.ID, err)
		}
	}
}

func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request, _ httprouter.Params, a *app.App, body []byte) int {
	var t triggerRequest
	if err := json.Unmarshal(body, &t); err != nil {
		return writeError(w, badRequest("invalid JSON body"))
	}
	if err := validateTrigger(a, &t); err != nil {
		return writeError(w, err)
	}
	s.trigger(r.Context(), a, &t)
	return writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleBatchEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params, a *app.App, body []byte) int {
	var req struct {
		Batch []triggerRequest `json:"batch"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return writeError(w, badRequest("invalid JSON body"))
	}
	if a.MaxEventBatchSize > 0 && len(req.Batch) > a.MaxEventBatchSize {
		return writeError(w, badRequest("batch is larger than %d events", a.MaxEventBatchSize))
	}
	for i := range req.Batch {
		if err := validateTrigger(a, &req.Batch[i]); err != nil {
			return writeError(w, err)
		}
	}
	for i := range req.Batch {
		s.trigger(r.Context(), a, &req.Batch[i])
	}
	return writeJSON(w, http.StatusOK, map[string]any{"batch": []any{}})
}

type channelInfo struct {
	SubscriptionCount *int `json:"subscription_count,omitempty"`
	UserCount         *int `json:"user_count,omitempty"`
}

func wantsInfo(r *http.Request, field string) bool {
	for _, f := range strings.Split(r.URL.Query().Get("info"), ",") {
		if strings.TrimSpace(f) == field {
			return true
		}
	}
	return false
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request, _ httprouter.Params, a *app.App, _ []byte) int {
	counts, err := s.adapter.GetChannelsWithSocketCount(r.Context(), a.ID)
	if err != nil && errs.KindOf(err) != errs.KindBrokerUnavailable {
		return writeError(w, err)
	}
	prefix := r.URL.Query().Get("filter_by_prefix")
	withCount := wantsInfo(r, "subscription_count")
	withUsers := wantsInfo(r, "user_count")
	if withUsers && !strings.HasPrefix(prefix, "presence-") {
		return writeError(w, badRequest("user_count is only available for presence channels, filter_by_prefix=presence-"))
	}

	names := make([]string, 0, len(counts.Value))
	for name := range counts.Value {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	channels := make(map[string]channelInfo, len(names))
	for _, name := range names {
		info := channelInfo{}
		if withCount {
			n := counts.Value[name]
			info.SubscriptionCount = &n
		}
		if withUsers {
			n := s.adapter.GetChannelUserCount(r.Context(), a.ID, name)
			info.UserCount = &n
		}
		channels[name] = info
	}

	resp := map[string]any{"channels": channels}
	if counts.Partial || err != nil {
		resp["partial"] = true
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request, ps httprouter.Params, a *app.App, _ []byte) int {
	name := ps.ByName("channel_name")
	if err := protocol.ValidChannelName(name, a.MaxChannelNameLength); err != nil {
		return writeError(w, badRequest("%v", err))
	}
	count := s.adapter.GetChannelSocketsCount(r.Context(), a.ID, name)
	resp := map[string]any{"occupied": count > 0}
	if wantsInfo(r, "subscription_count") {
		resp["subscription_count"] = count
	}
	if protocol.TypeOf(name) == protocol.Presence && wantsInfo(r, "user_count") {
		resp["user_count"] = s.adapter.GetChannelUserCount(r.Context(), a.ID, name)
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChannelUsers(w http.ResponseWriter, r *http.Request, ps httprouter.Params, a *app.App, _ []byte) int {
	name := ps.ByName("channel_name")
	if protocol.TypeOf(name) != protocol.Presence {
		return writeError(w, badRequest("users are only available for presence channels"))
	}
	members := s.adapter.GetChannelMembers(r.Context(), a.ID, name)
	users := make([]map[string]string, 0, len(members))
	for _, m := range members {
		users = append(users, map[string]string{"id": m.UserID})
	}
	return writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleTerminateUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params, a *app.App, _ []byte) int {
	err := s.adapter.TerminateUserConnections(r.Context(), a.ID, ps.ByName("user_id"))
	if err != nil && errs.KindOf(err) != errs.KindBrokerUnavailable {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.state.IsRunning() {
		http.Error(w, "stopping", http.StatusServiceUnavailable)
		return
	}
	if id := ps.ByName("app_id"); id != "" {
		a, err := s.apps.FindByID(r.Context(), id)
		if err != nil {
			http.Error(w, "app not found", http.StatusNotFound)
			return
		}
		if !a.Enabled {
			http.Error(w, "app disabled", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}
