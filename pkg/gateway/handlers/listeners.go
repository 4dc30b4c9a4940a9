package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/gateway/rtp"
)

// MediaStatus reports RTP listener state. *rtp.Manager implements it.
type MediaStatus interface {
	FullStatus() rtp.FullStatus
	Health() rtp.HealthReport
	StatusByPort(port int) rtp.PortStatus
}

type ListenersHandler struct {
	Media MediaStatus
}

// Status handles GET /v1/listeners.
func (h ListenersHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Media.FullStatus())
}

// Health handles GET /v1/listeners/health.
func (h ListenersHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Media.Health())
}

// ByPort handles GET /v1/listeners/port/{port}. An unbound port is reported
// with found=false rather than as an error.
func (h ListenersHandler) ByPort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(mux.Vars(r)["port"])
	if err != nil || port <= 0 || port > 65535 {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("port must be an integer between 1 and 65535", "port"))
		return
	}
	writeJSON(w, http.StatusOK, h.Media.StatusByPort(port))
}
