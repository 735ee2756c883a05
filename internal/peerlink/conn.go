package peerlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultWriteTimeout = 10 * time.Second
	// maxFrameBytes leaves room for the file id prefix on top of a large chunk.
	maxFrameBytes = 4 << 20
)

var ErrClosed = errors.New("peerlink: connection closed")

// Handler consumes the frames arriving on a Conn.
type Handler interface {
	HandleText(data []byte) error
	HandleBinary(data []byte) error
}

// Conn is an ordered, reliable message channel to one peer.
// Text messages carry control frames, binary messages carry chunk frames.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	log     *logrus.Entry

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, log *logrus.Entry) *Conn {
	ws.SetReadLimit(maxFrameBytes)
	return &Conn{
		ws:     ws,
		log:    log.WithField("remote", ws.RemoteAddr().String()),
		closed: make(chan struct{}),
	}
}

func (c *Conn) WriteText(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.TextMessage, data)
}

func (c *Conn) WriteBinary(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.BinaryMessage, data)
}

func (c *Conn) write(ctx context.Context, messageType int, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("peerlink write: %w", err)
	}
	return nil
}

// Serve reads frames until the peer closes, ctx ends or the connection fails.
// Handler errors are logged and do not stop the loop.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			return fmt.Errorf("peerlink read: %w", err)
		}

		var herr error
		switch messageType {
		case websocket.TextMessage:
			herr = h.HandleText(data)
		case websocket.BinaryMessage:
			herr = h.HandleBinary(data)
		}
		if herr != nil {
			c.log.WithError(herr).Debug("frame rejected")
		}
	}
}

// Closed is closed once Close has run.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Close says goodbye to the peer and releases the socket. Safe to call twice.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
