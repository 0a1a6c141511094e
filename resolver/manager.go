// Package resolver forwards cache misses to the configured upstream
// resolvers and matches their answers back to the waiting clients.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/semihalev/blockdns/cache"
	"github.com/semihalev/blockdns/config"
	"github.com/semihalev/blockdns/dnswire"
	"github.com/semihalev/blockdns/instrumentation"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 2 * time.Second

// ErrQueueFull is returned by Forward when the forward queue is at capacity.
var ErrQueueFull = errors.New("forward queue full")

// Query is a client question waiting for an upstream answer.
type Query struct {
	Client           netip.AddrPort
	ID               uint16
	Question         dnswire.Question
	RecursionDesired bool
	CheckingDisabled bool
	Received         time.Time
}

// Reply is a response addressed to a client.
type Reply struct {
	Addr netip.AddrPort
	Msg  *dnswire.Message
}

// ReplySink accepts replies without blocking. Send reports whether the
// reply was queued.
type ReplySink interface {
	Send(Reply) bool
}

// Manager type
type Manager struct {
	upstreams []netip.AddrPort
	timeout   time.Duration

	cache    *cache.Cache
	sink     ReplySink
	recorder instrumentation.Recorder
	clock    clockwork.Clock
	breaker  *circuitBreaker

	queue chan Query
	conn  *net.UDPConn

	mu      sync.Mutex
	pending *table
	closed  bool
}

// New returns a manager forwarding to cfg.Upstreams in order. The cache
// and recorder may be nil.
func New(cfg *config.Config, c *cache.Cache, sink ReplySink, recorder instrumentation.Recorder, clock clockwork.Clock) (*Manager, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if recorder == nil {
		recorder = instrumentation.Multi()
	}

	m := &Manager{
		timeout:  cfg.Timeout.Duration,
		cache:    c,
		sink:     sink,
		recorder: recorder,
		clock:    clock,
		breaker:  newCircuitBreaker(clock),
		queue:    make(chan Query, max(cfg.QueueSize, 1)),
		pending:  newTable(),
	}

	if m.timeout <= 0 {
		m.timeout = defaultTimeout
	}

	for _, s := range cfg.Upstreams {
		addr, err := config.ParseUpstream(s)
		if err != nil {
			return nil, err
		}
		m.upstreams = append(m.upstreams, addr)
	}

	if len(m.upstreams) == 0 {
		return nil, errors.New("no upstream servers configured")
	}

	return m, nil
}

// Listen opens the socket used to talk to the upstreams. Run calls it when
// it has not been called yet.
func (m *Manager) Listen() error {
	if m.conn != nil {
		return nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("upstream socket: %w", err)
	}
	m.conn = conn

	return nil
}

// Forward queues q for an upstream. It never blocks and returns
// ErrQueueFull when the queue is at capacity.
func (m *Manager) Forward(q Query) error {
	select {
	case m.queue <- q:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run forwards queued queries and reads upstream answers until ctx is
// done. In-flight queries are abandoned on return.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Listen(); err != nil {
		return err
	}

	zlog.Info("Resolver manager started", "upstreams", len(m.upstreams), "timeout", m.timeout.String())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return m.conn.Close()
	})
	g.Go(func() error { return m.readLoop() })
	g.Go(func() error { return m.forwardLoop(ctx) })

	err := g.Wait()

	m.mu.Lock()
	m.closed = true
	m.pending.clear()
	m.mu.Unlock()

	return err
}

func (m *Manager) forwardLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-m.queue:
			m.dispatch(&pending{query: q}, 0)
		}
	}
}

func (m *Manager) readLoop() error {
	buf := make([]byte, dnswire.MaxMessageSize)

	for {
		n, from, err := m.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			zlog.Debug("Upstream read failed", "error", err.Error())
			continue
		}

		m.handle(from, buf[:n])
	}
}

// next returns the index of the upstream to try: the first one from index
// from on whose circuit is closed, or from itself when every remaining
// circuit is open.
func (m *Manager) next(from int) int {
	for i := from; i < len(m.upstreams); i++ {
		if m.breaker.canQuery(m.upstreams[i]) {
			return i
		}
	}
	return from
}

// dispatch sends p to the upstreams from index from on, failing over on
// send errors and answering SERVFAIL once no upstream is left. p's fields
// change only under m.mu: once p is pending, its timer may dispatch it again.
func (m *Manager) dispatch(p *pending, from int) {
	for i := from; i < len(m.upstreams); i++ {
		i = m.next(i)
		addr := m.upstreams[i]

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		p.upstream = i
		p.addr = addr
		id, ok := m.pending.insert(p)
		if !ok {
			m.mu.Unlock()
			zlog.Warn("Too many queries in flight", "name", p.query.Question.Name)
			break
		}
		p.timer = m.clock.AfterFunc(m.timeout, func() { m.expire(id, p) })
		m.mu.Unlock()

		req := dnswire.NewQuery(id, p.query.Question, p.query.RecursionDesired)
		req.CheckingDisabled = p.query.CheckingDisabled

		b, err := req.Encode()
		if err != nil {
			m.drop(id, p)
			zlog.Debug("Query encode failed", "name", p.query.Question.Name, "error", err.Error())
			break
		}

		if _, err = m.conn.WriteToUDPAddrPort(b, addr); err == nil {
			return
		}

		if !m.drop(id, p) {
			// the timer already took it over
			return
		}

		zlog.Debug("Upstream send failed", "upstream", addr.String(), "error", err.Error())
		m.breaker.recordFailure(addr)
	}

	m.fail(p)
}

// drop removes p from the pending table and stops its timer. It reports
// whether p was still pending.
func (m *Manager) drop(id uint16, p *pending) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pending.take(id, p) {
		return false
	}
	p.timer.Stop()

	return true
}

// expire fires when the upstream holding id did not answer in time.
func (m *Manager) expire(id uint16, p *pending) {
	m.mu.Lock()
	if m.closed || !m.pending.take(id, p) {
		m.mu.Unlock()
		return
	}
	addr, next := p.addr, p.upstream+1
	m.mu.Unlock()

	zlog.Debug("Upstream timeout", "upstream", addr.String(), "name", p.query.Question.Name)

	m.breaker.recordFailure(addr)
	m.dispatch(p, next)
}

// fail answers SERVFAIL once every upstream was tried.
func (m *Manager) fail(p *pending) {
	q := p.query

	zlog.Warn("All upstream servers failed", "name", q.Question.Name, "qtype", q.Question.Type.String())

	resp := &dnswire.Message{
		Header: dnswire.Header{
			ID:                 q.ID,
			Response:           true,
			Opcode:             dnswire.OpcodeQuery,
			RecursionDesired:   q.RecursionDesired,
			RecursionAvailable: true,
			CheckingDisabled:   q.CheckingDisabled,
			Rcode:              dnswire.RcodeServerFailure,
		},
		Question: []dnswire.Question{q.Question},
	}

	m.recorder.Record(instrumentation.Event{
		Time:     m.clock.Now(),
		Client:   q.Client,
		Name:     q.Question.Name,
		Type:     q.Question.Type,
		Decision: instrumentation.Timeout,
	})

	m.sink.Send(Reply{Addr: q.Client, Msg: resp})
}

// handle matches an upstream datagram to its pending query. Anything that
// does not match the ID, source and question of a pending query is dropped.
func (m *Manager) handle(from netip.AddrPort, b []byte) {
	msg, err := dnswire.Decode(b)
	if err != nil {
		zlog.Debug("Malformed upstream response", "from", from.String(), "error", err.Error())
		return
	}
	if !msg.Response {
		return
	}

	m.mu.Lock()
	p, ok := m.pending.get(msg.ID)
	if !ok || !sameAddr(p.addr, from) || !sameQuestion(msg.Question, p.query.Question) {
		m.mu.Unlock()
		zlog.Debug("Unsolicited upstream response dropped", "from", from.String(), "id", msg.ID)
		return
	}
	m.pending.take(msg.ID, p)
	p.timer.Stop()
	addr := p.addr
	m.mu.Unlock()

	m.breaker.recordSuccess(addr)

	q := p.query

	if m.cache != nil && msg.Rcode == dnswire.RcodeSuccess && len(msg.Answer) > 0 {
		m.cache.Put(cache.NewKey(q.Question), msg.Answer, dnswire.MinTTL(msg.Answer))
	}

	msg.ID = q.ID
	msg.RecursionDesired = q.RecursionDesired
	msg.Question = []dnswire.Question{q.Question}

	now := m.clock.Now()
	m.recorder.Record(instrumentation.Event{
		Time:     now,
		Client:   q.Client,
		Name:     q.Question.Name,
		Type:     q.Question.Type,
		Decision: instrumentation.Forwarded,
		Latency:  now.Sub(q.Received),
	})

	m.sink.Send(Reply{Addr: q.Client, Msg: msg})
}

// Pending returns the number of queries in flight.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pending.len()
}

func sameAddr(a, b netip.AddrPort) bool {
	return a.Addr().Unmap() == b.Addr().Unmap() && a.Port() == b.Port()
}

func sameQuestion(qs []dnswire.Question, q dnswire.Question) bool {
	return len(qs) == 1 && qs[0].Type == q.Type && qs[0].Class == q.Class &&
		dnswire.CanonicalName(qs[0].Name) == dnswire.CanonicalName(q.Name)
}
