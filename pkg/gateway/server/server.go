// Package server assembles the call gateway: RTP listeners, the call
// registry, the AI bridge and the HTTP control surface in front of them.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vango-go/vai-call/pkg/gateway/bridge"
	"github.com/vango-go/vai-call/pkg/gateway/call"
	"github.com/vango-go/vai-call/pkg/gateway/config"
	"github.com/vango-go/vai-call/pkg/gateway/handlers"
	"github.com/vango-go/vai-call/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-call/pkg/gateway/metrics"
	"github.com/vango-go/vai-call/pkg/gateway/mw"
	"github.com/vango-go/vai-call/pkg/gateway/realtime"
	"github.com/vango-go/vai-call/pkg/gateway/rtp"
	"github.com/vango-go/vai-call/pkg/gateway/speech"
	"github.com/vango-go/vai-call/pkg/gateway/transcript"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router *mux.Router

	lifecycle *lifecycle.Lifecycle
	metrics   *metrics.Metrics
	registry  *call.Registry
	media     *rtp.Manager
	bridge    *bridge.Bridge
	store     transcript.Store
}

// New wires a gateway from cfg. dialer opens AI sockets and store persists
// transcripts; a nil store keeps transcripts in memory.
func New(cfg config.Config, dialer realtime.Dialer, store transcript.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = transcript.NewMemoryStore()
	}
	m := metrics.New("vai_call")

	media := rtp.NewManager(rtp.Config{
		BindIP: cfg.RTPBindIP,
		Receiver: rtp.ReceiverConfig{
			MinChunk:      cfg.ReceiverMinChunk,
			FlushInterval: cfg.ReceiverFlushEvery,
		},
		Transmitter: rtp.TransmitterConfig{
			Frame:       cfg.TransmitFrame,
			LowWater:    cfg.TransmitLowWater,
			HighWater:   cfg.TransmitHighWater,
			MaxBuffered: 4 * cfg.TransmitHighWater,
		},
	}, logger.With("component", "rtp"))

	registry := call.NewRegistry(call.RegistryConfig{
		GracePeriod:          cfg.GracePeriod,
		PendingAudioCapacity: cfg.PendingAudioCapacity,
		Logger:               logger.With("component", "call"),
		OnTransition: func(from, to call.State, accepted bool) {
			m.RecordTransition(from.String(), to.String(), accepted)
		},
	})

	pipeline := speech.New(speech.Config{
		Store:        store,
		Logger:       logger.With("component", "speech"),
		StoreTimeout: cfg.TranscriptTimeout,
	})

	br := bridge.New(bridge.Config{
		Greeting:      cfg.Greeting,
		DispatchBatch: cfg.DispatchBatch,
		DialTimeout:   cfg.AIDialTimeout,
		Logger:        logger.With("component", "bridge"),
		Metrics:       m,
	}, registry, media, dialer, pipeline)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    mux.NewRouter(),
		lifecycle: lifecycle.New(nil),
		metrics:   m,
		registry:  registry,
		media:     media,
		bridge:    br,
		store:     store,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.NotFoundHandler = handlers.NotFoundHandler{}
	s.router.MethodNotAllowedHandler = handlers.MethodNotAllowedHandler{}
	s.router.Use(s.metrics.Middleware)

	s.router.Handle("/healthz", handlers.HealthHandler{}).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Calls:     s.registry,
		Media:     s.media,
	}).Methods(http.MethodGet)

	calls := handlers.CallsHandler{
		Config:     s.cfg,
		Lifecycle:  s.lifecycle,
		Controller: s.bridge,
		Sessions:   s.registry,
		Store:      s.store,
		Logger:     s.logger,
	}
	listeners := handlers.ListenersHandler{Media: s.media}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/calls", calls.Start).Methods(http.MethodPost)
	v1.HandleFunc("/calls", calls.List).Methods(http.MethodGet)
	v1.HandleFunc("/calls/{call_id}", calls.Get).Methods(http.MethodGet)
	v1.HandleFunc("/calls/{call_id}", calls.End).Methods(http.MethodDelete)
	v1.HandleFunc("/calls/{call_id}/transcript", calls.Transcript).Methods(http.MethodGet)
	v1.HandleFunc("/listeners", listeners.Status).Methods(http.MethodGet)
	v1.HandleFunc("/listeners/health", listeners.Health).Methods(http.MethodGet)
	v1.HandleFunc("/listeners/port/{port:[0-9]+}", listeners.ByPort).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.Timeout(s.cfg.HandlerTimeout, h)
	h = mw.Auth(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining makes readiness fail and refuses new calls.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// EndCalls ends every active call and waits for their handlers to return.
// Listeners are released even when ctx expires first.
func (s *Server) EndCalls(ctx context.Context) error {
	n := s.bridge.EndAll("server shutting down")
	if n > 0 {
		s.logger.Info("ended active calls", "calls", n)
	}
	return s.bridge.Wait(ctx)
}
