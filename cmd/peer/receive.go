package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"quickdrop/internal/client"
	"quickdrop/internal/config"
	"quickdrop/internal/models"
	"quickdrop/internal/peerlink"
	"quickdrop/internal/signaling"
	"quickdrop/internal/transfer"
)

type outcome struct {
	file models.FileDescriptor
	path string
	err  error
}

// downloads tracks the requested files until each one is saved or failed.
type downloads struct {
	dir string
	log *logrus.Entry

	mu       sync.Mutex
	pending  map[string]models.FileDescriptor
	outcomes []outcome
	finished chan struct{}
}

func newDownloads(dir string, files []models.FileDescriptor, log *logrus.Entry) *downloads {
	d := &downloads{
		dir:      dir,
		log:      log,
		pending:  make(map[string]models.FileDescriptor, len(files)),
		finished: make(chan struct{}),
	}
	for _, f := range files {
		d.pending[f.ID] = f
	}
	if len(files) == 0 {
		close(d.finished)
	}
	return d
}

func (d *downloads) received(ev client.FileReceived) {
	path, err := saveFile(d.dir, safeName(ev.File.Name, ev.File.FileID), ev.File.Data)
	if err == nil {
		color.Green.Printf("  saved %s (%s)\n", path, humanize.Bytes(uint64(len(ev.File.Data))))
	}
	d.settle(ev.File.FileID, path, err)
}

func (d *downloads) failed(ev client.TransferFailed) {
	color.Red.Printf("  failed %s: %v\n", ev.FileID, ev.Err)
	d.settle(ev.FileID, "", ev.Err)
}

func (d *downloads) settle(fileID, path string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.pending[fileID]
	if !ok {
		return
	}
	delete(d.pending, fileID)
	d.outcomes = append(d.outcomes, outcome{file: f, path: path, err: err})
	if err != nil {
		d.log.WithError(err).WithField("file", f.Name).Warn("download failed")
	}
	if len(d.pending) == 0 {
		close(d.finished)
	}
}

// abandon marks everything still pending as failed with cause.
func (d *downloads) abandon(cause error) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.settle(id, "", cause)
	}
}

func (d *downloads) summary() []outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]outcome(nil), d.outcomes...)
}

func runReceive(ctx context.Context, cfg config.PeerConfig, log *logrus.Entry, code string) error {
	log = log.WithField("component", "receive")

	session, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer session.Dispose()

	bus := session.Events()
	offers := make(chan client.Signal, 1)
	client.On(bus, func(sig client.Signal) {
		if sig.Type != signaling.TypeWebRTCOffer {
			return
		}
		select {
		case offers <- sig:
		default:
		}
	})
	senderGone := make(chan struct{})
	var goneOnce sync.Once
	markGone := func() { goneOnce.Do(func() { close(senderGone) }) }
	client.On(bus, func(client.SenderDisconnected) { markGone() })
	client.On(bus, func(client.Disconnected) { markGone() })

	room, err := session.JoinRoom(ctx, code)
	if err != nil {
		return err
	}
	fmt.Printf("  Joined %s, shared by %s\n\n", room.Code, color.Cyan.Render(room.SenderInfo.Name))
	printCatalog(os.Stdout, room.Files)
	if len(room.Files) == 0 {
		fmt.Println("  Nothing shared yet.")
		return nil
	}

	var sig client.Signal
	select {
	case sig = <-offers:
	case <-time.After(cfg.ConnectTimeout):
		return errors.New("sender did not offer a peer link in time")
	case <-senderGone:
		return errors.New("sender left the room")
	case <-ctx.Done():
		return ctx.Err()
	}

	link, err := acceptOffer(ctx, session, sig, log)
	if err != nil {
		return err
	}
	defer link.Close()

	rx, err := session.NewReceiver(transfer.WithMaxFileSize(uint64(cfg.MaxFileSize)))
	if err != nil {
		return err
	}
	dl := newDownloads(cfg.DownloadDir, room.Files, log)
	client.On(bus, dl.received)
	client.On(bus, dl.failed)

	served := make(chan error, 1)
	go func() { served <- link.Serve(ctx, rx) }()

	for _, f := range room.Files {
		if err := session.RequestFile(f.ID, room.SenderID); err != nil {
			dl.settle(f.ID, "", err)
		}
	}

	select {
	case <-dl.finished:
	case <-senderGone:
		rx.Reset(errors.New("sender left"))
		dl.abandon(errors.New("sender left"))
	case err := <-served:
		if err == nil {
			err = peerlink.ErrClosed
		}
		rx.Reset(err)
		dl.abandon(err)
	case <-ctx.Done():
		rx.Reset(ctx.Err())
		dl.abandon(ctx.Err())
	}

	results := dl.summary()
	printOutcomes(results)
	if failed := lo.CountBy(results, func(r outcome) bool { return r.err != nil }); failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	return nil
}

func acceptOffer(ctx context.Context, session *client.Session, sig client.Signal, log *logrus.Entry) (*peerlink.Conn, error) {
	offer, err := peerlink.ParseOffer(sig.Payload)
	if err != nil {
		session.SendSignal(signaling.TypeWebRTCAnswer, sig.SenderID, peerlink.Answer{Reason: err.Error()})
		return nil, err
	}
	link, err := peerlink.Dial(ctx, offer.URL, log)
	if err != nil {
		session.SendSignal(signaling.TypeWebRTCAnswer, sig.SenderID, peerlink.Answer{Reason: "dial failed"})
		return nil, err
	}
	if err := session.SendSignal(signaling.TypeWebRTCAnswer, sig.SenderID, peerlink.Answer{Accepted: true}); err != nil {
		link.Close()
		return nil, err
	}
	return link, nil
}

func printOutcomes(results []outcome) {
	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Size", "Result"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, r := range results {
		result := r.path
		if r.err != nil {
			result = "failed: " + r.err.Error()
		}
		table.Append([]string{r.file.Name, humanize.Bytes(r.file.Size), result})
	}
	table.Render()
}
