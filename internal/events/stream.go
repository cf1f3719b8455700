package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/lottery_engine/pkg/logger"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBuffer     = 64
)

// Stream serves events from a RingBuffer to WebSocket clients.
type Stream struct {
	source   *RingBuffer
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewStream creates a WebSocket handler fed by the ring buffer. checkOrigin
// decides which browser origins may connect; nil accepts only same-host
// origins.
func NewStream(source *RingBuffer, log *logger.Logger, checkOrigin func(r *http.Request) bool) *Stream {
	if log == nil {
		log = logger.NewDefault("event-stream")
	}
	return &Stream{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log: log,
	}
}

// ServeHTTP upgrades the connection and forwards every event until the
// client disconnects. Slow clients drop events rather than block publishers.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	queue := make(chan Event, streamBuffer)
	unsubscribe := s.source.Subscribe(func(e Event) {
		select {
		case queue <- e:
		default:
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
