// Package server runs the UDP listener and responder and supervises the
// resolver manager behind them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/semihalev/blockdns/accesslist"
	"github.com/semihalev/blockdns/accesslog"
	"github.com/semihalev/blockdns/blocklist"
	"github.com/semihalev/blockdns/cache"
	"github.com/semihalev/blockdns/config"
	"github.com/semihalev/blockdns/dnstap"
	"github.com/semihalev/blockdns/dnswire"
	"github.com/semihalev/blockdns/instrumentation"
	"github.com/semihalev/blockdns/metrics"
	"github.com/semihalev/blockdns/ratelimit"
	"github.com/semihalev/blockdns/resolver"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/errgroup"
)

const (
	nullrouteTTL = 3600

	rateLimitCleanup = time.Minute
	rateLimitIdle    = 10 * time.Minute
)

// Options are the shared components a server works with. Nil fields get
// a private default.
type Options struct {
	// Addr overrides cfg.Bind.
	Addr string

	BlockList *blocklist.BlockList
	Cache     *cache.Cache
	Recorder  instrumentation.Recorder
	Clock     clockwork.Clock

	AccessLog *accesslog.AccessLog
	Tap       *dnstap.Tap
	Metrics   *metrics.Metrics
}

// Server type
type Server struct {
	addr string
	conn *net.UDPConn

	blocklist  *blocklist.BlockList
	cache      *cache.Cache
	recorder   instrumentation.Recorder
	clock      clockwork.Clock
	accesslist *accesslist.AccessList
	ratelimit  *ratelimit.RateLimit

	blockMode   string
	nullroute   netip.Addr
	nullroutev6 netip.Addr

	manager   *resolver.Manager
	responder *Responder
}

// New return new server
func New(cfg *config.Config, opts Options) (*Server, error) {
	s := &Server{
		addr:      opts.Addr,
		blocklist: opts.BlockList,
		cache:     opts.Cache,
		recorder:  opts.Recorder,
		clock:     opts.Clock,
		blockMode: cfg.BlockMode,
	}

	if s.addr == "" {
		s.addr = cfg.Bind
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.blocklist == nil {
		s.blocklist = blocklist.New(cfg)
	}
	if s.cache == nil {
		s.cache = cache.New(cfg.CacheSize, s.clock)
	}
	if s.recorder == nil {
		s.recorder = instrumentation.Multi()
	}
	if s.blockMode == "" {
		s.blockMode = config.BlockModeRefused
	}

	if cfg.Nullroute != "" {
		addr, err := netip.ParseAddr(cfg.Nullroute)
		if err != nil || !addr.Is4() {
			return nil, fmt.Errorf("nullroute %q is not an IPv4 address", cfg.Nullroute)
		}
		s.nullroute = addr
	}
	if cfg.Nullroutev6 != "" {
		addr, err := netip.ParseAddr(cfg.Nullroutev6)
		if err != nil || !addr.Is6() {
			return nil, fmt.Errorf("nullroutev6 %q is not an IPv6 address", cfg.Nullroutev6)
		}
		s.nullroutev6 = addr
	}

	s.accesslist = accesslist.New(cfg)
	s.ratelimit = ratelimit.New(cfg, s.clock)
	s.responder = newResponder(cfg.QueueSize, s.clock, opts)

	manager, err := resolver.New(cfg, s.cache, s.responder, s.recorder, s.clock)
	if err != nil {
		return nil, err
	}
	s.manager = manager

	return s, nil
}

// Listen binds the client socket and the upstream socket. Run calls it when
// it has not been called yet.
func (s *Server) Listen() error {
	if s.conn != nil {
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	if err := s.manager.Listen(); err != nil {
		conn.Close()
		return err
	}

	s.conn = conn
	s.responder.conn = conn

	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.conn == nil {
		return s.addr
	}
	return s.conn.LocalAddr().String()
}

// Run serves until ctx is done or a component fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	zlog.Info("DNS server listening...", "net", "udp", "addr", s.Addr())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error { return s.serve() })
	g.Go(func() error { return s.responder.Serve(ctx) })
	g.Go(func() error { return s.manager.Run(ctx) })
	g.Go(func() error {
		ticker := s.clock.NewTicker(rateLimitCleanup)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				s.ratelimit.Cleanup(rateLimitIdle)
			}
		}
	})

	err := g.Wait()

	zlog.Info("DNS server stopped", "addr", s.addr)

	return err
}

// serve is the listener loop.
func (s *Server) serve() error {
	buf := make([]byte, dnswire.MaxMessageSize)

	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			zlog.Debug("Client read failed", "error", err.Error())
			continue
		}

		s.handle(from, buf[:n])
	}
}
