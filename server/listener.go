package server

import (
	"fmt"
	"net/netip"
	"os"
	"runtime/debug"
	"time"

	"github.com/semihalev/blockdns/cache"
	"github.com/semihalev/blockdns/config"
	"github.com/semihalev/blockdns/dnswire"
	"github.com/semihalev/blockdns/instrumentation"
	"github.com/semihalev/blockdns/resolver"
	"github.com/semihalev/zlog/v2"
)

// handle runs one client datagram through the access checks, the block
// list and the cache, and forwards it upstream on a miss.
func (s *Server) handle(from netip.AddrPort, b []byte) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error("Recovered in listener", "recover", r, "client", from.String())

			_, _ = os.Stderr.WriteString(fmt.Sprintf("panic: %v\n\n", r))
			debug.PrintStack()
		}
	}()

	received := s.clock.Now()

	if !s.accesslist.Allowed(from.Addr()) {
		zlog.Debug("Client not in access list", "client", from.String())
		queriesDropped.WithLabelValues("accesslist").Inc()
		return
	}

	if !s.ratelimit.Allow(from.Addr()) {
		queriesDropped.WithLabelValues("ratelimit").Inc()
		return
	}

	req, err := dnswire.Decode(b)
	if err != nil || req.Response {
		zlog.Debug("Malformed query dropped", "client", from.String(), "size", len(b))
		s.record(from, dnswire.Question{}, instrumentation.Malformed, received)
		return
	}

	if req.Opcode != dnswire.OpcodeQuery {
		var q dnswire.Question
		if len(req.Question) > 0 {
			q = req.Question[0]
		}
		s.record(from, q, instrumentation.Malformed, received)
		s.reply(from, req, dnswire.RcodeNotImplemented)
		return
	}

	if len(req.Question) != 1 {
		s.record(from, dnswire.Question{}, instrumentation.Malformed, received)
		s.reply(from, req, dnswire.RcodeFormatError)
		return
	}

	q := req.Question[0]

	if s.blocklist.Blocked(q.Name) {
		s.record(from, q, instrumentation.Blocked, received)
		s.responder.Send(resolver.Reply{Addr: from, Msg: s.blocked(req)})
		return
	}

	if records, ok := s.cache.Get(cache.NewKey(q)); ok {
		resp := req.Reply()
		resp.RecursionAvailable = true
		resp.Answer = records

		s.record(from, q, instrumentation.Cached, received)
		s.responder.Send(resolver.Reply{Addr: from, Msg: resp})
		return
	}

	err = s.manager.Forward(resolver.Query{
		Client:           from,
		ID:               req.ID,
		Question:         q,
		RecursionDesired: req.RecursionDesired,
		CheckingDisabled: req.CheckingDisabled,
		Received:         received,
	})
	if err != nil {
		zlog.Warn("Query dropped", "client", from.String(), "name", q.Name, "error", err.Error())
		queriesDropped.WithLabelValues("queue").Inc()
	}
}

// reply answers req with an empty response carrying rcode.
func (s *Server) reply(from netip.AddrPort, req *dnswire.Message, rcode dnswire.Rcode) {
	resp := req.Reply()
	resp.Rcode = rcode
	s.responder.Send(resolver.Reply{Addr: from, Msg: resp})
}

// blocked builds the answer for a blocked question according to the
// configured block mode.
func (s *Server) blocked(req *dnswire.Message) *dnswire.Message {
	resp := req.Reply()
	resp.RecursionAvailable = true

	switch s.blockMode {
	case config.BlockModeNXDomain:
		resp.Rcode = dnswire.RcodeNameError

	case config.BlockModeNullroute:
		q := req.Question[0]
		rr := dnswire.Resource{Name: q.Name, Type: q.Type, Class: q.Class, TTL: nullrouteTTL}

		switch {
		case q.Type == dnswire.TypeA && s.nullroute.IsValid():
			rr.Data = &dnswire.A{Addr: s.nullroute}
			resp.Answer = append(resp.Answer, rr)
		case q.Type == dnswire.TypeAAAA && s.nullroutev6.IsValid():
			rr.Data = &dnswire.AAAA{Addr: s.nullroutev6}
			resp.Answer = append(resp.Answer, rr)
		}

	default:
		resp.Rcode = dnswire.RcodeRefused
	}

	return resp
}

func (s *Server) record(from netip.AddrPort, q dnswire.Question, d instrumentation.Decision, received time.Time) {
	ev := instrumentation.Event{
		Time:     received,
		Client:   from,
		Name:     q.Name,
		Type:     q.Type,
		Decision: d,
	}
	if d == instrumentation.Cached {
		ev.Latency = s.clock.Since(received)
	}

	s.recorder.Record(ev)
}
