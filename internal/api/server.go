// Package api serves the escrow engine over HTTP: order views and calls, the
// administrative operations, the event journal and a live event stream.
//
// Callers identify themselves with the X-Caller header. Deposits are taken
// from the caller's ledger account, so the API is meant for the in-process
// ledger and operator tooling, not for untrusted clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/amirphl/limit-escrow/internal/engine"
	"github.com/amirphl/limit-escrow/internal/journal"
	"github.com/amirphl/limit-escrow/internal/ledger"
	"github.com/amirphl/limit-escrow/internal/order"
)

var (
	mon = monkit.Package()
	// Error is the error class for the API server.
	Error = errs.Class("api")
)

// CallerHeader names the account a request acts for.
const CallerHeader = "X-Caller"

// Server is the HTTP front of an engine.
type Server struct {
	log      *zap.Logger
	engine   *engine.Engine
	history  journal.Journaler
	events   *journal.Broadcaster
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer routes requests to eng. history answers event queries and events
// feeds the stream; either may be nil to disable the endpoint.
func NewServer(log *zap.Logger, eng *engine.Engine, history journal.Journaler, events *journal.Broadcaster) *Server {
	s := &Server{
		log:     log.Named("api"),
		engine:  eng,
		history: history,
		events:  events,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	s.router.HandleFunc("/orders", s.listOrders).Methods(http.MethodGet)
	s.router.HandleFunc("/orders", s.openOrder).Methods(http.MethodPost)
	s.router.HandleFunc("/orders/{index:[0-9]+}", s.getOrder).Methods(http.MethodGet)
	s.router.HandleFunc("/orders/id/{id:[0-9]+}", s.getOrderByID).Methods(http.MethodGet)
	s.router.HandleFunc("/orders/id/{id:[0-9]+}", s.closeOrder).Methods(http.MethodDelete)
	s.router.HandleFunc("/orders/id/{id:[0-9]+}/execute", s.executeOrder).Methods(http.MethodPost)
	s.router.HandleFunc("/swaps", s.listSwaps).Methods(http.MethodGet)
	s.router.HandleFunc("/custody/{asset}", s.getCustody).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/clear", s.clearStorage).Methods(http.MethodPost)
	s.router.HandleFunc("/admin/claim/{asset}", s.claimTokens).Methods(http.MethodPost)
	s.router.HandleFunc("/events", s.listEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/events/stream", s.streamEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.metrics).Methods(http.MethodGet)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("serving API", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return Error.Wrap(srv.Shutdown(shutdownCtx))
	}
}

func caller(r *http.Request) ledger.Address {
	return ledger.Address(r.Header.Get(CallerHeader))
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, message, detail string, status int) {
	sendJSON(w, status, map[string]string{
		"error":  message,
		"detail": detail,
	})
}

// sendEngineError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) sendEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case engine.ErrValidation.Has(err), errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusBadRequest
	case engine.ErrUnauthorized.Has(err):
		status = http.StatusForbidden
	case errors.Is(err, order.ErrOutOfBounds), errors.Is(err, order.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrOrderExecuting), errors.Is(err, engine.ErrSwapsPending):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrUnknownVenue):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	sendJSONError(w, http.StatusText(status), err.Error(), status)
}
