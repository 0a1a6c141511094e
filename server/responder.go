package server

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/semihalev/blockdns/accesslog"
	"github.com/semihalev/blockdns/dnstap"
	"github.com/semihalev/blockdns/dnswire"
	"github.com/semihalev/blockdns/metrics"
	"github.com/semihalev/blockdns/resolver"
	"github.com/semihalev/zlog/v2"
)

// Responder writes replies to clients from a single goroutine.
type Responder struct {
	conn  *net.UDPConn
	queue chan resolver.Reply
	clock clockwork.Clock

	accessLog *accesslog.AccessLog
	tap       *dnstap.Tap
	metrics   *metrics.Metrics

	dropped atomic.Uint64
}

func newResponder(size int, clock clockwork.Clock, opts Options) *Responder {
	return &Responder{
		queue:     make(chan resolver.Reply, max(size, 1)),
		clock:     clock,
		accessLog: opts.AccessLog,
		tap:       opts.Tap,
		metrics:   opts.Metrics,
	}
}

// Send implements resolver.ReplySink. The reply is dropped when the queue
// is full.
func (r *Responder) Send(reply resolver.Reply) bool {
	select {
	case r.queue <- reply:
		return true
	default:
		r.dropped.Add(1)
		repliesDropped.Inc()
		zlog.Warn("Reply queue full, reply dropped", "client", reply.Addr.String())
		return false
	}
}

// Dropped returns the number of replies dropped on a full queue.
func (r *Responder) Dropped() uint64 {
	return r.dropped.Load()
}

// Serve writes queued replies until ctx is done.
func (r *Responder) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case reply := <-r.queue:
			r.write(reply)
		}
	}
}

func (r *Responder) write(reply resolver.Reply) {
	msg := reply.Msg
	msg.Response = true
	msg.RecursionAvailable = true

	b, err := msg.EncodeLimit(dnswire.MaxUDPSize)
	if err != nil {
		zlog.Error("Reply encode failed", "client", reply.Addr.String(), "error", err.Error())
		return
	}

	if _, err := r.conn.WriteToUDPAddrPort(b, reply.Addr); err != nil {
		zlog.Debug("Reply write failed", "client", reply.Addr.String(), "error", err.Error())
		return
	}

	now := r.clock.Now()

	r.accessLog.Log(reply.Addr, msg, len(b), now)
	r.tap.Response(reply.Addr, b, now)
	if r.metrics != nil {
		r.metrics.Response(msg.Rcode)
	}
}
