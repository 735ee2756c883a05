package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"quickdrop/internal/signaling"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsPeer is the outbound queue of one relay socket.
type wsPeer struct {
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSPeer(buffer int) *wsPeer {
	return &wsPeer{
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// Send enqueues without blocking; a slow socket loses messages instead of stalling the relay.
func (p *wsPeer) Send(msgType string, payload any) error {
	data, err := signaling.Encode(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case <-p.closed:
		return signaling.ErrPeerClosed
	default:
	}
	select {
	case p.send <- data:
		return nil
	default:
		return signaling.ErrPeerQueueFull
	}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	peer := newWSPeer(s.config.ConnectionBufferSize)
	s.relay.Connect(connID, peer)

	go s.writePump(conn, peer, connID)
	go s.readPump(conn, peer, connID)
}

// readPump owns the socket's lifetime: when it returns the connection is gone.
func (s *Server) readPump(conn *websocket.Conn, peer *wsPeer, connID string) {
	defer func() {
		peer.close()
		s.relay.Disconnect(connID)
		conn.Close()
	}()

	conn.SetReadLimit(s.config.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).WithField("conn", connID).Debug("socket read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.relay.Handle(connID, data)
	}
}

func (s *Server) writePump(conn *websocket.Conn, peer *wsPeer, connID string) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data := <-peer.send:
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.WithFields(logrus.Fields{"conn": connID}).WithError(err).Debug("socket write failed")
				peer.close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout)); err != nil {
				peer.close()
				return
			}
		case <-peer.closed:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}
