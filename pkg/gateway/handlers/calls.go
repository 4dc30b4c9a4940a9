package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/gateway/auth"
	"github.com/vango-go/vai-call/pkg/gateway/bridge"
	"github.com/vango-go/vai-call/pkg/gateway/call"
	"github.com/vango-go/vai-call/pkg/gateway/config"
	"github.com/vango-go/vai-call/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-call/pkg/gateway/transcript"
)

// CallController starts and ends calls. *bridge.Bridge implements it.
type CallController interface {
	StartCall(ctx context.Context, req bridge.StartRequest) (call.Snapshot, bool, error)
	EndCall(callID, reason string) bool
}

// CallLister reads session state. *call.Registry implements it.
type CallLister interface {
	Snapshot(callID string) (call.Snapshot, bool)
	List() []call.Snapshot
}

type CallsHandler struct {
	Config     config.Config
	Lifecycle  *lifecycle.Lifecycle
	Controller CallController
	Sessions   CallLister
	Store      transcript.Store
	Logger     *slog.Logger
}

type startCallResponse struct {
	Created bool          `json:"created"`
	Call    call.Snapshot `json:"call"`
}

// Start handles POST /v1/calls. Repeating a start for a running call returns
// the existing session with 200 instead of 201.
func (h CallsHandler) Start(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		writeError(w, r, core.NewOverloadedError("server is draining; not accepting new calls"))
		return
	}

	var req bridge.StartRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes())
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, r, core.NewInvalidRequestError(fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)))
		case errors.Is(err, io.EOF):
			writeError(w, r, core.NewInvalidRequestError("request body is required"))
		default:
			writeError(w, r, core.NewInvalidRequestError(fmt.Sprintf("invalid request body: %v", err)))
		}
		return
	}
	if h.Config.RTPPortMax > 0 && !h.Config.PortAllowed(req.Port) {
		writeError(w, r, core.NewInvalidRequestErrorWithParam(
			fmt.Sprintf("port must be between %d and %d", h.Config.RTPPortMin, h.Config.RTPPortMax), "port"))
		return
	}

	snap, created, err := h.Controller.StartCall(r.Context(), req)
	if err != nil {
		h.logger().Warn("start call failed", "call_id", req.CallID, "port", req.Port, "error", err)
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		attrs := []any{"call_id", snap.Info.CallID, "port", req.Port, "conversation_id", snap.Info.ConversationID}
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			attrs = append(attrs, "key_id", p.KeyID)
		}
		h.logger().Info("call started", attrs...)
	}
	writeJSON(w, status, startCallResponse{Created: created, Call: snap})
}

// List handles GET /v1/calls.
func (h CallsHandler) List(w http.ResponseWriter, r *http.Request) {
	calls := h.Sessions.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls": len(calls),
		"calls":       calls,
	})
}

// Get handles GET /v1/calls/{call_id}.
func (h CallsHandler) Get(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	snap, ok := h.Sessions.Snapshot(callID)
	if !ok {
		writeError(w, r, unknownCall(callID))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// End handles DELETE /v1/calls/{call_id}.
func (h CallsHandler) End(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	if !h.Controller.EndCall(callID, "ended by api") {
		writeError(w, r, unknownCall(callID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call_id": callID, "ended": true})
}

// Transcript handles GET /v1/calls/{call_id}/transcript. Ended calls are no
// longer in the registry, so their transcript is reachable with an explicit
// conversation_id query parameter.
func (h CallsHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		snap, ok := h.Sessions.Snapshot(callID)
		if !ok {
			writeError(w, r, unknownCall(callID))
			return
		}
		conversationID = snap.Info.ConversationID
	}

	msgs, err := h.Store.FindMessagesByConversation(r.Context(), conversationID)
	if err != nil {
		h.logger().Error("load transcript", "call_id", callID, "conversation_id", conversationID, "error", err)
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call_id":         callID,
		"conversation_id": conversationID,
		"messages":        msgs,
	})
}

func (h CallsHandler) maxBodyBytes() int64 {
	if h.Config.MaxBodyBytes > 0 {
		return h.Config.MaxBodyBytes
	}
	return 64 << 10
}

func (h CallsHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func unknownCall(callID string) error {
	return core.NewNotFoundError(fmt.Sprintf("call %q not found", callID))
}
