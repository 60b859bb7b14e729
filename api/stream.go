package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cepro/bmsmonitor/coordinator"
	"github.com/cepro/bmsmonitor/telemetry"
	timeutils "github.com/cepro/bmsmonitor/time_utils"
	"github.com/gorilla/websocket"
)

const (
	MessageData     = "data"
	MessageProgress = "progress"
	MessageLatest   = "latest"
	MessageError    = "error"

	streamBuffer = 32
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the dashboard is served from a different origin than the API
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage is one message pushed to a stream client.
type StreamMessage struct {
	Type     string                   `json:"type"`
	Data     *coordinator.Result      `json:"data,omitempty"`
	Progress *coordinator.Progress    `json:"progress,omitempty"`
	Latest   *telemetry.LatestReading `json:"latest,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// StreamRequest is sent by a stream client to start a fetch for the device.
type StreamRequest struct {
	Action string `json:"action"` // "fetch"
	Range  string `json:"range"`
	Force  bool   `json:"force"`
}

// handleStream pushes the device's results, fetch progress and live readings to a websocket client until it
// disconnects. The client can ask for fetches by sending StreamRequests.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade stream", "device_id", deviceID, "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("device_id", deviceID, "remote", r.RemoteAddr)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan StreamMessage, streamBuffer)
	send := func(m StreamMessage) {
		select {
		case out <- m:
		case <-ctx.Done():
		default:
			logger.Warn("Dropped stream message, client too slow", "type", m.Type)
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(m); err != nil {
					logger.Debug("Stream write failed", "error", err)
					cancel()
					return
				}
			}
		}
	}()

	unsubData := s.coordinator.Subscribe(deviceID,
		func(result *coordinator.Result) { send(StreamMessage{Type: MessageData, Data: result}) },
		func(p coordinator.Progress) { send(StreamMessage{Type: MessageProgress, Progress: &p}) },
	)
	defer unsubData()

	if s.latest != nil {
		unsubLatest, err := s.latest.Subscribe(deviceID, func(reading telemetry.LatestReading, err error) {
			if err != nil {
				send(StreamMessage{Type: MessageError, Error: err.Error()})
				return
			}
			send(StreamMessage{Type: MessageLatest, Latest: &reading})
		})
		if err != nil {
			send(StreamMessage{Type: MessageError, Error: err.Error()})
		} else {
			defer unsubLatest()
		}
	}

	logger.Info("Stream opened")

	for {
		var req StreamRequest
		if err := conn.ReadJSON(&req); err != nil {
			break
		}
		s.handleStreamRequest(ctx, deviceID, req, send)
	}

	cancel()
	<-writerDone
	logger.Info("Stream closed")
}

// handleStreamRequest starts the requested fetch in the background. Results and progress reach the client
// through its subscription; only failures are reported directly.
func (s *Server) handleStreamRequest(ctx context.Context, deviceID string, req StreamRequest, send func(StreamMessage)) {
	if req.Action != "fetch" {
		send(StreamMessage{Type: MessageError, Error: "unknown action " + req.Action})
		return
	}

	timeRange := defaultTimeRange
	if req.Range != "" {
		tr, err := timeutils.ParseTimeRange(req.Range)
		if err != nil {
			send(StreamMessage{Type: MessageError, Error: err.Error()})
			return
		}
		timeRange = tr
	}

	go func() {
		_, err := s.coordinator.FetchData(ctx, deviceID, timeRange, req.Force)
		if err != nil && ctx.Err() == nil {
			send(StreamMessage{Type: MessageError, Error: err.Error()})
		}
	}()
}
