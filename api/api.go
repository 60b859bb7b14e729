package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cepro/bmsmonitor/coordinator"
	"github.com/cepro/bmsmonitor/device"
	"github.com/cepro/bmsmonitor/dynamo"
	"github.com/cepro/bmsmonitor/poller"
	timeutils "github.com/cepro/bmsmonitor/time_utils"
)

const defaultTimeRange = timeutils.Range1Hour

// Coordinator is the history cache the handlers read through.
type Coordinator interface {
	Subscribe(deviceID string, onData coordinator.DataFunc, onProgress coordinator.ProgressFunc) func()
	FetchData(ctx context.Context, deviceID string, timeRange timeutils.TimeRange, force bool) (*coordinator.Result, error)
	GetCachedData(deviceID string, timeRange timeutils.TimeRange) *coordinator.Result
	IsLoading(deviceID string, timeRange timeutils.TimeRange) bool
	ClearCache(deviceID string, timeRange timeutils.TimeRange)
}

// LatestSubscriber delivers live readings of a device.
type LatestSubscriber interface {
	Subscribe(deviceID string, fn poller.ReadingFunc) (func(), error)
}

// BatteryRegistry keeps the batteries each user has registered.
type BatteryRegistry interface {
	Register(ctx context.Context, userID, deviceID, name string) (dynamo.Battery, error)
	List(ctx context.Context, userID string) ([]dynamo.Battery, error)
	Remove(ctx context.Context, userID, batteryID string) error
}

// Server exposes the coordinator, the live poller and the battery registry over HTTP and WebSocket.
type Server struct {
	coordinator Coordinator
	latest      LatestSubscriber
	batteries   BatteryRegistry
	mux         *http.ServeMux
	logger      *slog.Logger
}

// New builds the server. `latest` and `batteries` may be nil, in which case the routes using them are not served.
func New(coord Coordinator, latest LatestSubscriber, batteries BatteryRegistry) *Server {
	s := &Server{
		coordinator: coord,
		latest:      latest,
		batteries:   batteries,
		mux:         http.NewServeMux(),
		logger:      slog.Default().With("component", "api"),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/devices/{id}/series", s.handleSeries)
	s.mux.HandleFunc("GET /api/devices/{id}/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/devices/{id}/stream", s.handleStream)
	s.mux.HandleFunc("DELETE /api/cache", s.handleClearCache)
	if batteries != nil {
		s.mux.HandleFunc("GET /api/users/{user}/batteries", s.handleListBatteries)
		s.mux.HandleFunc("POST /api/users/{user}/batteries", s.handleRegisterBattery)
		s.mux.HandleFunc("DELETE /api/users/{user}/batteries/{battery}", s.handleRemoveBattery)
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on `listen` until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("Serving HTTP", "listen", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	timeRange, err := timeRangeParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		force, err = strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid force flag %q", v)})
			return
		}
	}

	result, err := s.coordinator.FetchData(r.Context(), r.PathValue("id"), timeRange, force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type statusBody struct {
	Cached    bool       `json:"cached"`
	Loading   bool       `json:"loading"`
	FetchedAt *time.Time `json:"fetchedAt,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	timeRange, err := timeRangeParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	id := r.PathValue("id")
	body := statusBody{Loading: s.coordinator.IsLoading(id, timeRange)}
	if cached := s.coordinator.GetCachedData(id, timeRange); cached != nil {
		body.Cached = true
		body.FetchedAt = &cached.FetchedAt
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	var timeRange timeutils.TimeRange
	if v := r.URL.Query().Get("range"); v != "" {
		tr, err := timeutils.ParseTimeRange(v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		timeRange = tr
	}

	deviceID := r.URL.Query().Get("device")
	s.coordinator.ClearCache(deviceID, timeRange)
	s.logger.Info("Cleared cache", "device_id", deviceID, "time_range", timeRange)
	w.WriteHeader(http.StatusNoContent)
}

type registerRequest struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
}

func (s *Server) handleListBatteries(w http.ResponseWriter, r *http.Request) {
	batteries, err := s.batteries.List(r.Context(), r.PathValue("user"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batteries)
}

func (s *Server) handleRegisterBattery(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request"})
		return
	}

	battery, err := s.batteries.Register(r.Context(), r.PathValue("user"), req.DeviceID, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, battery)
}

func (s *Server) handleRemoveBattery(w http.ResponseWriter, r *http.Request) {
	err := s.batteries.Remove(r.Context(), r.PathValue("user"), r.PathValue("battery"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// timeRangeParam reads the `range` query parameter, defaulting to one hour.
func timeRangeParam(r *http.Request) (timeutils.TimeRange, error) {
	v := r.URL.Query().Get("range")
	if v == "" {
		return defaultTimeRange, nil
	}
	return timeutils.ParseTimeRange(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps caller mistakes onto 400 and failures of the collaborators onto 502.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("Request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrInvalidID),
		errors.Is(err, timeutils.ErrInvalidTimeRange),
		errors.Is(err, dynamo.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}
