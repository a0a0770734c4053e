package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/supervisor"
	"github.com/onnwee/chatmux/telemetry"
)

const maxControlBody = 64 << 10

type controlRequest struct {
	Platform      string `json:"platform"`
	Username      string `json:"username"`
	Token         string `json:"token"`
	RefreshToken  string `json:"refresh_token"`
	Text          string `json:"text"`
	AllowFallback bool   `json:"allow_fallback"`
	MessageID     string `json:"message_id"`
	UserID        string `json:"user_id"`
	Disabled      *bool  `json:"disabled"`
}

type controlResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"error_kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

var errBadRequest = errors.New("bad request")

// decodeControl reads a POST body and resolves its platform.
func decodeControl(w http.ResponseWriter, r *http.Request) (controlRequest, chat.Platform, bool) {
	var req controlRequest
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, controlResponse{Error: "method not allowed"})
		return req, "", false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeControlError(w, r, fmt.Errorf("%w: decode body: %v", errBadRequest, err))
		return req, "", false
	}
	p, err := chat.ParsePlatform(strings.TrimSpace(req.Platform))
	if err != nil {
		writeControlError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return req, "", false
	}
	return req, p, true
}

// controlStatus maps an operation error onto an HTTP status.
func controlStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrUnknownPlatform):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrNotConnected):
		return http.StatusConflict
	}
	switch connector.KindOf(err) {
	case connector.KindUnsupported:
		return http.StatusNotImplemented
	case connector.KindQuotaExhausted:
		return http.StatusTooManyRequests
	case connector.KindAuthInvalid, connector.KindAuthTransient, connector.KindSendFailed, connector.KindTransportDown, connector.KindSubscriptionRejected:
		return http.StatusBadGateway
	}
	return http.StatusUnprocessableEntity
}

func writeControlError(w http.ResponseWriter, r *http.Request, err error) {
	status := controlStatus(err)
	resp := controlResponse{Error: err.Error()}
	if k := connector.KindOf(err); k != connector.KindUnknown {
		resp.Kind = k.String()
		resp.Reason = connector.ReasonOf(err)
	}
	telemetry.LoggerWithCorr(r.Context()).Warn("control request failed",
		slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err))
	writeJSON(w, status, resp)
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{OK: true})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	req, p, ok := decodeControl(w, r)
	if !ok {
		return
	}
	if req.Token == "" {
		writeControlError(w, r, fmt.Errorf("%w: token required", errBadRequest))
		return
	}
	s.finish(w, r, s.control.ConnectPlatform(r.Context(), p, req.Username, req.Token))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	_, p, ok := decodeControl(w, r)
	if !ok {
		return
	}
	s.finish(w, r, s.control.DisconnectPlatform(r.Context(), p))
}

func (s *Server) handleConnectBot(w http.ResponseWriter, r *http.Request) {
	req, p, ok := decodeControl(w, r)
	if !ok {
		return
	}
	if req.Token == "" {
		writeControlError(w, r, fmt.Errorf("%w: token required", errBadRequest))
		return
	}
	s.finish(w, r, s.control.ConnectBot(r.Context(), p, req.Username, req.Token, req.RefreshToken))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	req, p, ok := decodeControl(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeControlError(w, r, fmt.Errorf("%w: text required", errBadRequest))
		return
	}
	s.finish(w, r, s.control.SendAsBot(r.Context(), p, req.Text, req.AllowFallback))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, p, ok := decodeControl(w, r)
	if !ok {
		return
	}
	if req.MessageID == "" {
		writeControlError(w, r, fmt.Errorf("%w: message_id required", errBadRequest))
		return
	}
	s.finish(w, r, s.control.DeleteMessage(r.Context(), p, req.MessageID))
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	req, p, ok := decodeControl(w, r)
	if !ok {
		return
	}
	if req.Username == "" && req.UserID == "" {
		writeControlError(w, r, fmt.Errorf("%w: username or user_id required", errBadRequest))
		return
	}
	s.finish(w, r, s.control.BanUser(r.Context(), p, req.Username, req.UserID))
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	req, p, ok := decodeControl(w, r)
	if !ok {
		return
	}
	if req.Disabled == nil {
		writeControlError(w, r, fmt.Errorf("%w: disabled required", errBadRequest))
		return
	}
	s.finish(w, r, s.control.DisablePlatform(r.Context(), p, *req.Disabled))
}
