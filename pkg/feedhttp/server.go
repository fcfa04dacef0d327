// Package feedhttp serves the client's live telemetry to UI collaborators:
// a JSON API, a websocket feed and Prometheus metrics.
package feedhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sst/telemetry/pkg/monitor"
	"sst/telemetry/pkg/proto"
	"sst/telemetry/pkg/session"
)

// Controller is the part of the monitor the feed drives.
type Controller interface {
	Servers() []monitor.Server
	Connect(ctx context.Context, ep session.Endpoint, secret string) error
	Disconnect(ep session.Endpoint)
}

// Connectivity reports the connectivity set.
type Connectivity interface {
	Connected() []session.Endpoint
	WatchConnected(ctx context.Context) <-chan []session.Endpoint
}

// Source produces decoded snapshots.
type Source interface {
	Subscribe(buf int) (<-chan session.Snapshot, func())
}

type Server struct {
	ctl      Controller
	conn     Connectivity
	src      Source
	gatherer prometheus.Gatherer
	logf     session.Logf

	// SubscriberBuffer is the per-websocket snapshot backlog.
	SubscriberBuffer int
}

func New(ctl Controller, conn Connectivity, src Source, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{ctl: ctl, conn: conn, src: src, gatherer: gatherer, logf: log.Printf, SubscriberBuffer: 64}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/servers", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.ctl.Servers())
		})
		r.Get("/connected", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, connectedMsg(s.conn.Connected()))
		})
		r.Post("/command", s.handleCommand)
	})
	return r
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logf("[FEED] http listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd proto.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid command: "+err.Error())
		return
	}
	if err := s.apply(r.Context(), cmd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, connectedMsg(s.conn.Connected()))
}

func (s *Server) apply(ctx context.Context, cmd proto.Command) error {
	ep := session.Endpoint{Host: strings.TrimSpace(cmd.Host), Port: cmd.Port}
	if err := ep.Validate(); err != nil {
		return err
	}
	switch cmd.Action {
	case "connect":
		return s.ctl.Connect(ctx, ep, strings.TrimSpace(cmd.Secret))
	case "disconnect":
		s.ctl.Disconnect(ep)
		return nil
	default:
		return errors.New("unknown action: " + cmd.Action)
	}
}

func connectedMsg(eps []session.Endpoint) proto.Connected {
	out := proto.Connected{Endpoints: make([]string, 0, len(eps))}
	for _, ep := range eps {
		out.Endpoints = append(out.Endpoints, ep.String())
	}
	return out
}

func statsEvent(s session.Snapshot) proto.StatsEvent {
	return proto.StatsEvent{
		Endpoint:   s.Endpoint.String(),
		Host:       s.Endpoint.Host,
		Port:       s.Endpoint.Port,
		ReceivedAt: s.ReceivedAt.UnixMilli(),
		Stats:      s.Stats,
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, proto.ErrorMsg{Message: msg})
}
