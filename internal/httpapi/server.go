// Package httpapi exposes the "internal HTTP-like surface consumed by REST
// façade" (spec §6) plus the push-channel WebSocket endpoint (C5's
// transport). The REST façade itself — auth, CRUD, the web UI — is out of
// scope; these handlers are deliberately thin pass-throughs.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/fleetcore/iotcore/internal/dispatch"
	"github.com/fleetcore/iotcore/internal/hub"
	"github.com/fleetcore/iotcore/internal/model"
)

// Registry is the subset of C3 this surface reads.
type Registry interface {
	Get(deviceID string) (model.Device, bool)
	List() []model.Device
	Summaries() []model.DeviceSummary
}

// Dispatcher is the subset of C4 this surface calls into.
type Dispatcher interface {
	Dispatch(ctx context.Context, deviceID, action string, parameters json.RawMessage, source string) (string, model.DeliveryState, error)
}

type Server struct {
	log        *slog.Logger
	addr       string
	registry   Registry
	dispatcher Dispatcher
	hub        *hub.Hub
}

func NewServer(log *slog.Logger, addr string, registry Registry, dispatcher Dispatcher, h *hub.Hub) *Server {
	return &Server{log: log, addr: addr, registry: registry, dispatcher: dispatcher, hub: h}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices", s.handleListDevices)
	mux.HandleFunc("GET /devices/{id}", s.handleGetDevice)
	mux.HandleFunc("POST /devices/{id}/commands", s.handleDispatchCommand)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		ReadHeaderTimeout: 3 * time.Second,
		Handler:           s.Mux(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	s.log.Info("HTTP server started", "addr", s.addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// list_devices
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// get_device
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "not_found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// dispatch_command
func (s *Server) handleDispatchCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Action     string          `json:"action"`
		Parameters json.RawMessage `json:"parameters"`
		Source     string          `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad_request", http.StatusBadRequest)
		return
	}

	commandID, state, err := s.dispatcher.Dispatch(r.Context(), id, body.Action, body.Parameters, body.Source)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnknownDevice):
			http.Error(w, "unknown_device", http.StatusNotFound)
		case errors.Is(err, dispatch.ErrBadRequest):
			http.Error(w, "bad_request", http.StatusBadRequest)
		case errors.Is(err, dispatch.ErrDeliveryUnavailable):
			writeJSON(w, http.StatusAccepted, map[string]string{
				"command_id":     commandID,
				"delivery_state": string(state),
				"error":          "delivery_unavailable",
			})
		default:
			http.Error(w, "delivery_unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"command_id":     commandID,
		"delivery_state": string(state),
	})
}

// subscribe_events (push-channel handshake)
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := s.hub.Connect(s.registry.Summaries())
	defer s.hub.Remove(sub)

	ctx := r.Context()
	done := make(chan struct{})

	// Reader: discards backchannel messages (pings) and detects
	// disconnect; command dispatch never arrives over this channel
	// (spec §4.5 "Backchannel").
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-sub.Outbound():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
