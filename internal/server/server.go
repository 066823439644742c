// Package server exposes the coordination service over HTTP: presence
// announcements, peer discovery, mailbox drains and the WebSocket signaling
// endpoint, plus the background sweeps that keep the stores healthy.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/meshdial/meshdial/internal/config"
	"github.com/meshdial/meshdial/internal/elector"
	"github.com/meshdial/meshdial/internal/identity"
	"github.com/meshdial/meshdial/internal/relay"
	"github.com/meshdial/meshdial/internal/store"
	"github.com/meshdial/meshdial/internal/util"
)

var log = logging.Logger("server")

const eventLogSize = 500

type Server struct {
	cfg      config.Config
	store    *store.Store
	provider identity.Provider
	relay    *relay.Relay
	elector  *elector.Elector

	srv       *http.Server
	announces *rateLimiter
	events    *util.RingBuffer[string]
	startedAt time.Time
}

// New wires the service together. The relay's event sink feeds the status
// endpoint's recent-event log.
func New(cfg config.Config, st *store.Store, provider identity.Provider) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		provider:  provider,
		announces: newRateLimiter(cfg.Server.AnnounceRatePerMin, time.Minute),
		events:    util.NewRingBuffer[string](eventLogSize),
	}

	hub := relay.NewHub()
	s.relay = relay.New(hub, st, provider)
	s.relay.SetEventFunc(s.addEvent)

	s.elector = elector.New(st,
		time.Duration(cfg.Elector.IntervalSec)*time.Second,
		cfg.Elector.MinCoordinators,
		cfg.Elector.MaxCoordinators)

	return s
}

func (s *Server) addEvent(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	s.events.Append(line)
	log.Debug(fmt.Sprintf(format, args...))
}

// routes builds the service mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/statusz", s.handleStatusz)
	mux.HandleFunc("/v1/networks/", s.handleNetworks)
	mux.HandleFunc("/v1/devices/", s.handleDevices)
	mux.HandleFunc("/v1/signal/", s.handleSignal)
	return mux
}

// Start binds the listener and launches the background tasks. It returns
// once the listener is up; ctx cancellation drives a clean shutdown that
// closes live connections with a normal-closure code.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.srv = &http.Server{
		Addr:              s.cfg.Server.Bind,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Bind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Bind, err)
	}

	go s.sweepPresenceLoop(ctx)
	go s.sweepChannelsLoop(ctx)
	go s.elector.Run(ctx)
	go s.rateCleanupLoop(ctx)

	go func() {
		<-ctx.Done()
		s.relay.Hub().CloseAll()
		shctx, cancel := context.WithTimeout(context.Background(), util.DefaultShutdownTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("server error: %v", err)
		}
	}()

	log.Infof("coordination service listening on %s", s.cfg.Server.Bind)
	return nil
}

// Addr returns the bound address (useful when the port was chosen by the OS).
func (s *Server) Addr() string {
	if s.srv != nil {
		return s.srv.Addr
	}
	return s.cfg.Server.Bind
}

// sweepPresenceLoop marks stale devices offline and purges long-dead
// records. A failed cycle is logged and retried on the next tick.
func (s *Server) sweepPresenceLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Presence.SweepIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			marked, purged, err := s.store.SweepStalePresence()
			if err != nil {
				log.Errorf("presence sweep: %v", err)
				continue
			}
			if marked > 0 || purged > 0 {
				s.addEvent("presence sweep: %d marked offline, %d purged", marked, purged)
			}
		}
	}
}

func (s *Server) sweepChannelsLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Channels.SweepIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.SweepExpiredChannels()
			if err != nil {
				log.Errorf("channel sweep: %v", err)
				continue
			}
			if removed > 0 {
				s.addEvent("channel sweep: %d channels removed", removed)
			}
		}
	}
}

func (s *Server) rateCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.announces.cleanup()
		}
	}
}
