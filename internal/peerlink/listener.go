package peerlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"quickdrop/pkg/utils"
)

const acceptPath = "/peer"

// Offer travels in the webrtc-offer payload and tells the receiver where to dial.
type Offer struct {
	URL string `json:"url" validate:"required,url"`
}

// Answer travels in the webrtc-answer payload.
type Answer struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

var validate = validator.New()

// ParseOffer decodes and checks the payload of a webrtc-offer.
func ParseOffer(raw json.RawMessage) (Offer, error) {
	var o Offer
	if err := json.Unmarshal(raw, &o); err != nil {
		return Offer{}, fmt.Errorf("decode offer: %w", err)
	}
	if err := validate.Struct(o); err != nil {
		return Offer{}, fmt.Errorf("invalid offer: %w", err)
	}
	return o, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Listener accepts direct peer connections carrying a one-time token.
type Listener struct {
	ln    net.Listener
	srv   *http.Server
	host  string
	token string
	conns chan *Conn
	log   *logrus.Entry

	closeOnce sync.Once
	done      chan struct{}
}

// Listen opens a listener on addr. advertiseHost is the host put in URL;
// when empty the machine's outbound IP is used.
func Listen(addr, advertiseHost string, log *logrus.Entry) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peerlink listen: %w", err)
	}
	if advertiseHost == "" {
		advertiseHost = utils.GetLocalIP()
	}

	l := &Listener{
		ln:    ln,
		host:  advertiseHost,
		token: uuid.NewString(),
		conns: make(chan *Conn),
		log:   log.WithField("component", "peerlink"),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(acceptPath, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.WithError(err).Error("peer listener stopped")
		}
	}()
	return l, nil
}

// URL is the address a peer dials, token included.
func (l *Listener) URL() string {
	port := l.ln.Addr().(*net.TCPAddr).Port
	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(l.host, strconv.Itoa(port)),
		Path:     acceptPath,
		RawQuery: url.Values{"token": {l.token}}.Encode(),
	}
	return u.String()
}

// Accept waits for the next peer.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != l.token {
		l.log.WithField("remote", r.RemoteAddr).Warn("peer rejected: bad token")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.WithError(err).Warn("peer upgrade failed")
		return
	}
	conn := newConn(ws, l.log)

	select {
	case l.conns <- conn:
		l.log.WithField("remote", r.RemoteAddr).Info("peer connected")
	case <-l.done:
		conn.Close()
	}
}

// Dial connects to the URL announced in an Offer.
func Dial(ctx context.Context, rawURL string, log *logrus.Entry) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("peerlink dial: %w", err)
	}
	return newConn(ws, log.WithField("component", "peerlink")), nil
}
