package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"quickdrop/internal/client"
	"quickdrop/internal/config"
	"quickdrop/internal/models"
	"quickdrop/internal/peerlink"
	"quickdrop/internal/signaling"
	"quickdrop/internal/transfer"
)

// remotePeer is the direct link offered to one receiver.
type remotePeer struct {
	name     string
	listener *peerlink.Listener
	ready    chan struct{}
	gone     chan struct{}

	mu     sync.Mutex
	conn   *peerlink.Conn
	closed bool
}

// attach publishes the accepted link unless the peer was already closed.
func (p *remotePeer) attach(conn *peerlink.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conn = conn
	close(p.ready)
	return true
}

func (p *remotePeer) link() *peerlink.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *remotePeer) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.gone)
	}
	conn := p.conn
	p.mu.Unlock()

	p.listener.Close()
	if conn != nil {
		conn.Close()
	}
}

type sharer struct {
	ctx     context.Context
	cfg     config.PeerConfig
	session *client.Session
	catalog []catalogEntry
	log     *logrus.Entry

	mu    sync.Mutex
	peers map[string]*remotePeer
	wg    sync.WaitGroup
}

func runShare(ctx context.Context, cfg config.PeerConfig, log *logrus.Entry, paths []string) error {
	catalog, err := buildCatalog(paths)
	if err != nil {
		return err
	}

	session, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer session.Dispose()

	s := &sharer{
		ctx:     ctx,
		cfg:     cfg,
		session: session,
		catalog: catalog,
		log:     log.WithField("component", "share"),
		peers:   make(map[string]*remotePeer),
	}
	bus := session.Events()
	client.On(bus, s.onReceiverJoined)
	client.On(bus, s.onReceiverDisconnected)
	client.On(bus, s.onFileRequested)
	client.On(bus, s.onSignal)
	lost := make(chan struct{})
	client.On(bus, func(client.Disconnected) { close(lost) })

	code, err := session.CreateRoom(ctx)
	if err != nil {
		return err
	}
	if err := session.UpdateFiles(descriptors(catalog)); err != nil {
		return err
	}

	printCatalog(os.Stdout, descriptors(catalog))
	fmt.Println()
	fmt.Printf("  Share code: %s\n", color.New(color.FgGreen, color.OpBold).Render(code))
	fmt.Println("  Waiting for receivers, Ctrl+C to stop.")
	fmt.Println()

	select {
	case <-ctx.Done():
	case <-lost:
		err = errors.New("relay connection lost")
	}

	session.Dispose()
	s.mu.Lock()
	for id, p := range s.peers {
		p.close()
		delete(s.peers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *sharer) onReceiverJoined(ev client.ReceiverJoined) {
	logger := s.log.WithFields(logrus.Fields{"receiver": ev.ReceiverID, "device": ev.DeviceInfo.Name})

	listener, err := peerlink.Listen(":0", "", s.log)
	if err != nil {
		logger.WithError(err).Error("cannot open peer link")
		return
	}
	p := &remotePeer{
		name:     ev.DeviceInfo.Name,
		listener: listener,
		ready:    make(chan struct{}),
		gone:     make(chan struct{}),
	}

	s.mu.Lock()
	if old, ok := s.peers[ev.ReceiverID]; ok {
		old.close()
	}
	s.peers[ev.ReceiverID] = p
	s.mu.Unlock()

	if err := s.session.SendSignal(signaling.TypeWebRTCOffer, ev.ReceiverID, peerlink.Offer{URL: listener.URL()}); err != nil {
		logger.WithError(err).Error("cannot send offer")
		p.close()
		return
	}
	color.Cyan.Printf("  %s joined\n", ev.DeviceInfo.Name)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
		conn, err := listener.Accept(ctx)
		cancel()
		// one dial per offer
		listener.Close()
		if err != nil {
			logger.WithError(err).Warn("receiver never connected")
			return
		}
		if !p.attach(conn) {
			conn.Close()
			return
		}

		if err := conn.Serve(s.ctx, discard{}); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("peer link closed")
		}
	}()
}

func (s *sharer) onSignal(sig client.Signal) {
	if sig.Type != signaling.TypeWebRTCAnswer {
		return
	}
	answer, err := decodeAnswer(sig.Payload)
	if err != nil {
		s.log.WithError(err).Warn("bad answer")
		return
	}
	if !answer.Accepted {
		s.log.WithFields(logrus.Fields{"receiver": sig.SenderID, "reason": answer.Reason}).Warn("receiver declined the peer link")
	}
}

func (s *sharer) onReceiverDisconnected(ev client.ReceiverDisconnected) {
	s.mu.Lock()
	p, ok := s.peers[ev.ReceiverID]
	delete(s.peers, ev.ReceiverID)
	s.mu.Unlock()
	if !ok {
		return
	}
	p.close()
	color.Gray.Printf("  %s left\n", p.name)
}

func (s *sharer) onFileRequested(ev client.FileRequested) {
	logger := s.log.WithFields(logrus.Fields{"receiver": ev.RequesterID, "file": ev.FileID})

	entry, found := lo.Find(s.catalog, func(e catalogEntry) bool { return e.desc.ID == ev.FileID })
	if !found {
		logger.Warn("request for a file that is not shared")
		return
	}
	s.mu.Lock()
	p, ok := s.peers[ev.RequesterID]
	s.mu.Unlock()
	if !ok {
		logger.Warn("request from a receiver without a peer link")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-p.ready:
		case <-p.gone:
			return
		case <-s.ctx.Done():
			return
		}

		if err := streamEntry(s.ctx, s.session.SendFile, p.link(), entry); err != nil {
			logger.WithError(err).Error("send failed, peer link closed")
			return
		}
		color.Green.Printf("  sent %s (%s) to %s\n", entry.desc.Name, humanize.Bytes(entry.desc.Size), p.name)
	}()
}

type fileSender func(ctx context.Context, ch transfer.Channel, desc models.FileDescriptor, src io.Reader) error

type outboundLink interface {
	transfer.Channel
	Close() error
}

// streamEntry sends one catalog file over link. On failure the link is closed:
// there is no abort frame, so the receiver drops a partial file only when its link ends.
func streamEntry(ctx context.Context, send fileSender, link outboundLink, entry catalogEntry) error {
	f, err := os.Open(entry.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", entry.path, err)
	}
	defer f.Close()

	if err := send(ctx, link, entry.desc, f); err != nil {
		link.Close()
		return err
	}
	return nil
}

func decodeAnswer(raw json.RawMessage) (peerlink.Answer, error) {
	var a peerlink.Answer
	if err := json.Unmarshal(raw, &a); err != nil {
		return peerlink.Answer{}, fmt.Errorf("decode answer: %w", err)
	}
	return a, nil
}

// discard ignores frames coming back from a receiver.
type discard struct{}

func (discard) HandleText([]byte) error   { return nil }
func (discard) HandleBinary([]byte) error { return nil }
