package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-call/pkg/gateway/config"
	"github.com/vango-go/vai-call/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the process should receive new calls.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Calls     CallLister
	Media     MediaStatus
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK              bool     `json:"ok"`
		Draining        bool     `json:"draining"`
		AuthMode        string   `json:"auth_mode"`
		AIProvider      string   `json:"ai_provider"`
		Persistent      bool     `json:"persistent_transcripts"`
		ActiveCalls     int      `json:"active_calls"`
		ActiveListeners int      `json:"active_listeners"`
		Issues          []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.RTPPortMin <= 0 || h.Config.RTPPortMax < h.Config.RTPPortMin {
		issues = append(issues, "invalid rtp port range")
	}
	if h.Config.TransmitFrame <= 0 || h.Config.TransmitLowWater < h.Config.TransmitFrame || h.Config.TransmitHighWater < h.Config.TransmitLowWater {
		issues = append(issues, "invalid transmit water marks")
	}
	if h.Config.DispatchBatch <= 0 || h.Config.DispatchBatch > h.Config.PendingAudioCapacity {
		issues = append(issues, "dispatch batch must be > 0 and <= pending audio capacity")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.HandlerTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	resp := readyResp{
		AuthMode:   string(h.Config.AuthMode),
		AIProvider: h.Config.AIProvider,
		Persistent: h.Config.DatabaseURL != "",
		Draining:   h.Lifecycle.IsDraining(),
		Issues:     issues,
	}
	if h.Calls != nil {
		resp.ActiveCalls = len(h.Calls.List())
	}
	if h.Media != nil {
		resp.ActiveListeners = h.Media.Health().ActiveListeners
	}

	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case resp.Draining:
		status = http.StatusServiceUnavailable
	default:
		resp.OK = true
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
