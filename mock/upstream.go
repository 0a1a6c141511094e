// Package mock provides an in-process UDP name server for tests.
package mock

import (
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/semihalev/blockdns/dnswire"
)

// Handler answers a decoded query. Returning nil sends nothing.
type Handler func(req *dnswire.Message) *dnswire.Message

// Upstream type
type Upstream struct {
	conn    *net.UDPConn
	handler Handler

	mu      sync.Mutex
	queries []*dnswire.Message

	done chan struct{}
}

// NewUpstream listens on a random loopback port and serves h until Close.
func NewUpstream(h Handler) (*Upstream, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}

	u := &Upstream{
		conn:    conn,
		handler: h,
		done:    make(chan struct{}),
	}

	go u.serve()

	return u, nil
}

// Answer returns a handler replying to every query with rrs.
func Answer(rrs ...dnswire.Resource) Handler {
	return func(req *dnswire.Message) *dnswire.Message {
		resp := req.Reply()
		resp.RecursionAvailable = true
		resp.Answer = rrs
		return resp
	}
}

// Silent is a handler that never replies.
func Silent(*dnswire.Message) *dnswire.Message { return nil }

func (u *Upstream) serve() {
	defer close(u.done)

	buf := make([]byte, dnswire.MaxMessageSize)
	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		req, err := dnswire.Decode(buf[:n])
		if err != nil {
			continue
		}

		u.mu.Lock()
		u.queries = append(u.queries, req)
		u.mu.Unlock()

		resp := u.handler(req)
		if resp == nil {
			continue
		}

		b, err := resp.Encode()
		if err != nil {
			continue
		}
		_, _ = u.conn.WriteToUDPAddrPort(b, from)
	}
}

// WriteTo sends raw bytes from the upstream socket, for replies the
// handler cannot express.
func (u *Upstream) WriteTo(b []byte, to netip.AddrPort) error {
	_, err := u.conn.WriteToUDPAddrPort(b, to)
	return err
}

// Addr returns the listening address.
func (u *Upstream) Addr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Queries returns the queries received so far.
func (u *Upstream) Queries() []*dnswire.Message {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]*dnswire.Message(nil), u.queries...)
}

// Count returns the number of queries received.
func (u *Upstream) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return len(u.queries)
}

// Close stops the upstream.
func (u *Upstream) Close() error {
	err := u.conn.Close()
	<-u.done
	return err
}
