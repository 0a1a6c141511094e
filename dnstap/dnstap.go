// Package dnstap exports client responses to a dnstap collector.
package dnstap

import (
	"net"
	"net/netip"
	"os"
	"time"

	dnstap "github.com/dnstap/golang-dnstap"
	"github.com/semihalev/blockdns/config"
	"github.com/semihalev/zlog/v2"
	"google.golang.org/protobuf/proto"
)

const defaultVersion = "blockdns"

// Tap type
type Tap struct {
	identity []byte
	version  []byte

	out    dnstap.Output
	queue  chan<- []byte
	closed chan struct{}
}

// New connects to the unix socket in cfg.DnstapSocket. It returns nil when
// the socket is not configured or the output cannot be created.
func New(cfg *config.Config) *Tap {
	if cfg.DnstapSocket == "" {
		return nil
	}

	out, err := dnstap.NewFrameStreamSockOutput(&net.UnixAddr{Name: cfg.DnstapSocket, Net: "unix"})
	if err != nil {
		zlog.Error("Dnstap output create failed", "path", cfg.DnstapSocket, "error", err.Error())
		return nil
	}
	out.SetRetryInterval(5 * time.Second)

	t := newTap(cfg, out)
	zlog.Info("Dnstap output started", "path", cfg.DnstapSocket)

	return t
}

func newTap(cfg *config.Config, out dnstap.Output) *Tap {
	t := &Tap{
		out:     out,
		queue:   out.GetOutputChannel(),
		closed:  make(chan struct{}),
		version: []byte(defaultVersion),
	}

	if cfg.DnstapIdentity != "" {
		t.identity = []byte(cfg.DnstapIdentity)
	} else {
		hostname, _ := os.Hostname()
		t.identity = []byte(hostname)
	}

	go func() {
		out.RunOutputLoop()
		close(t.closed)
	}()

	return t
}

// Response queues a CLIENT_RESPONSE message for the reply msg sent to
// client at the given time. The message is dropped when the output is
// backlogged.
func (t *Tap) Response(client netip.AddrPort, msg []byte, at time.Time) {
	if t == nil {
		return
	}

	frame, err := proto.Marshal(t.message(client, msg, at))
	if err != nil {
		zlog.Debug("Dnstap marshal failed", "error", err.Error())
		return
	}

	select {
	case t.queue <- frame:
	default:
		zlog.Warn("Dnstap message queue full, dropping message")
	}
}

func (t *Tap) message(client netip.AddrPort, msg []byte, at time.Time) *dnstap.Dnstap {
	addr := client.Addr().Unmap()

	family := dnstap.SocketFamily_INET
	if addr.Is6() {
		family = dnstap.SocketFamily_INET6
	}

	return &dnstap.Dnstap{
		Identity: t.identity,
		Version:  t.version,
		Type:     dnstap.Dnstap_MESSAGE.Enum(),
		Message: &dnstap.Message{
			Type:             dnstap.Message_CLIENT_RESPONSE.Enum(),
			SocketFamily:     family.Enum(),
			SocketProtocol:   dnstap.SocketProtocol_UDP.Enum(),
			QueryAddress:     addr.AsSlice(),
			QueryPort:        proto.Uint32(uint32(client.Port())),
			ResponseTimeSec:  proto.Uint64(uint64(at.Unix())),
			ResponseTimeNsec: proto.Uint32(uint32(at.Nanosecond())),
			ResponseMessage:  msg,
		},
	}
}

// Close flushes queued messages and closes the output.
func (t *Tap) Close() {
	if t == nil {
		return
	}
	t.out.Close()
	<-t.closed
}
