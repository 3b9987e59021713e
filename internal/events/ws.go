package events

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSFeed serves the live event stream to WebSocket subscribers (dashboards,
// observability collaborators). The feed is write-only; clients receive every
// bus event as one JSON frame.
type WSFeed struct {
	addr   string
	bus    *Bus
	logger *slog.Logger

	srv    *http.Server
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSFeed creates a feed listening on addr.
func NewWSFeed(addr string, bus *Bus, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		addr:   addr,
		bus:    bus,
		logger: logger.With("component", "ws_feed"),
	}
}

// Start binds the listener and begins serving /events.
func (f *WSFeed) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return err
	}
	f.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/events", f.handleEvents)
	f.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error("ws feed serve failed", "error", err)
		}
	}()

	f.logger.Info("ws event feed started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (f *WSFeed) Addr() string {
	if f.ln == nil {
		return f.addr
	}
	return f.ln.Addr().String()
}

// Stop closes the server and waits for handlers to drain.
func (f *WSFeed) Stop(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}
	var err error
	if f.srv != nil {
		err = f.srv.Shutdown(ctx)
	}
	f.wg.Wait()
	return err
}

func (f *WSFeed) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		f.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")

	f.logger.Info("event feed subscriber connected", "remote", r.RemoteAddr)

	ch, cancel := f.bus.Subscribe(128)
	defer cancel()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := wsjson.Write(r.Context(), conn, evt); err != nil {
				f.logger.Debug("event feed write ended", "error", err)
				return
			}
		}
	}
}
