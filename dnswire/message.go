package dnswire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	headerLen = 12

	// MaxUDPSize is the largest reply sent over UDP without EDNS.
	MaxUDPSize = 512

	// MaxMessageSize is the largest message the wire format can describe.
	MaxMessageSize = 65535
)

// Header is the fixed twelve byte message header minus the section counts,
// which are derived from the section lengths on encode.
type Header struct {
	ID                 uint16
	Response           bool
	Opcode             Opcode
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	Zero               bool
	AuthenticatedData  bool
	CheckingDisabled   bool
	Rcode              Rcode
}

func (h *Header) flags() uint16 {
	var f uint16
	if h.Response {
		f |= 1 << 15
	}
	f |= uint16(h.Opcode&0xF) << 11
	if h.Authoritative {
		f |= 1 << 10
	}
	if h.Truncated {
		f |= 1 << 9
	}
	if h.RecursionDesired {
		f |= 1 << 8
	}
	if h.RecursionAvailable {
		f |= 1 << 7
	}
	if h.Zero {
		f |= 1 << 6
	}
	if h.AuthenticatedData {
		f |= 1 << 5
	}
	if h.CheckingDisabled {
		f |= 1 << 4
	}
	return f | uint16(h.Rcode&0xF)
}

func (h *Header) setFlags(f uint16) {
	h.Response = f&(1<<15) != 0
	h.Opcode = Opcode(f>>11) & 0xF
	h.Authoritative = f&(1<<10) != 0
	h.Truncated = f&(1<<9) != 0
	h.RecursionDesired = f&(1<<8) != 0
	h.RecursionAvailable = f&(1<<7) != 0
	h.Zero = f&(1<<6) != 0
	h.AuthenticatedData = f&(1<<5) != 0
	h.CheckingDisabled = f&(1<<4) != 0
	h.Rcode = Rcode(f & 0xF)
}

// Question is an entry of the question section.
type Question struct {
	Name  string
	Type  Type
	Class Class
}

func (q Question) String() string {
	return q.Name + "\t" + q.Class.String() + "\t" + q.Type.String()
}

// Resource is a resource record.
type Resource struct {
	Name  string
	Type  Type
	Class Class
	TTL   uint32
	Data  RData
}

func (r Resource) String() string {
	var data string
	if r.Data != nil {
		data = r.Data.String()
	}
	return r.Name + "\t" + strconv.FormatUint(uint64(r.TTL), 10) + "\t" + r.Class.String() + "\t" + r.Type.String() + "\t" + data
}

// Copy returns a deep copy of r.
func (r Resource) Copy() Resource {
	if r.Data != nil {
		r.Data = r.Data.clone()
	}
	return r
}

// MarshalJSON implements json.Marshaler.
func (r Resource) MarshalJSON() ([]byte, error) {
	var data string
	if r.Data != nil {
		data = r.Data.String()
	}
	return json.Marshal(struct {
		Name  string `json:"name"`
		Type  Type   `json:"type"`
		Class Class  `json:"class"`
		TTL   uint32 `json:"ttl"`
		Data  string `json:"data"`
	}{r.Name, r.Type, r.Class, r.TTL, data})
}

// Message is a DNS message.
type Message struct {
	Header

	Question   []Question
	Answer     []Resource
	Authority  []Resource
	Additional []Resource
}

func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, ";; opcode: %s, status: %s, id: %d\n", m.Opcode, m.Rcode, m.ID)
	for _, q := range m.Question {
		sb.WriteString(";")
		sb.WriteString(q.String())
		sb.WriteByte('\n')
	}
	for _, sec := range [...][]Resource{m.Answer, m.Authority, m.Additional} {
		for _, rr := range sec {
			sb.WriteString(rr.String())
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// Decode parses a wire format message. Question names are returned in
// canonical (lowercase, fully qualified) form; record names keep their case.
func Decode(msg []byte) (*Message, error) {
	if len(msg) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(msg))
	}

	m := &Message{}
	m.ID = binary.BigEndian.Uint16(msg[0:])
	m.setFlags(binary.BigEndian.Uint16(msg[2:]))

	qdcount := int(binary.BigEndian.Uint16(msg[4:]))
	ancount := int(binary.BigEndian.Uint16(msg[6:]))
	nscount := int(binary.BigEndian.Uint16(msg[8:]))
	arcount := int(binary.BigEndian.Uint16(msg[10:]))

	off := headerLen

	for i := 0; i < qdcount; i++ {
		name, next, err := readName(msg, off)
		if err != nil {
			return nil, err
		}
		if next+4 > len(msg) {
			return nil, fmt.Errorf("%w: question %d overruns message", ErrMalformed, i)
		}
		m.Question = append(m.Question, Question{
			Name:  CanonicalName(name),
			Type:  Type(binary.BigEndian.Uint16(msg[next:])),
			Class: Class(binary.BigEndian.Uint16(msg[next+2:])),
		})
		off = next + 4
	}

	var err error
	if m.Answer, off, err = unpackSection(msg, off, ancount); err != nil {
		return nil, err
	}
	if m.Authority, off, err = unpackSection(msg, off, nscount); err != nil {
		return nil, err
	}
	if m.Additional, _, err = unpackSection(msg, off, arcount); err != nil {
		return nil, err
	}

	return m, nil
}

func unpackSection(msg []byte, off, count int) ([]Resource, int, error) {
	var rrs []Resource
	for i := 0; i < count; i++ {
		name, next, err := readName(msg, off)
		if err != nil {
			return nil, 0, err
		}
		if next+10 > len(msg) {
			return nil, 0, fmt.Errorf("%w: record header overruns message", ErrMalformed)
		}
		rr := Resource{
			Name:  name,
			Type:  Type(binary.BigEndian.Uint16(msg[next:])),
			Class: Class(binary.BigEndian.Uint16(msg[next+2:])),
			TTL:   binary.BigEndian.Uint32(msg[next+4:]),
		}
		rdlen := int(binary.BigEndian.Uint16(msg[next+8:]))
		start := next + 10
		end := start + rdlen
		if end > len(msg) {
			return nil, 0, fmt.Errorf("%w: rdata of %s record overruns message", ErrMalformed, rr.Type)
		}
		if rr.Data, err = unpackRData(msg, start, end, rr.Type); err != nil {
			return nil, 0, err
		}
		rrs = append(rrs, rr)
		off = end
	}
	return rrs, off, nil
}

// packer accumulates an encoded message and remembers where each name
// suffix was written so later names can point at it.
type packer struct {
	buf  []byte
	comp map[string]int
}

func (p *packer) name(name string, compress bool) error {
	labels, err := SplitLabels(name)
	if err != nil {
		return err
	}

	for i := range labels {
		key := suffixKey(labels[i:])
		if compress {
			if ptr, ok := p.comp[key]; ok {
				p.buf = append(p.buf, byte(0xC0|ptr>>8), byte(ptr))
				return nil
			}
		}
		if off := len(p.buf); off <= maxPointerOff {
			if _, ok := p.comp[key]; !ok {
				p.comp[key] = off
			}
		}
		p.buf = append(p.buf, byte(len(labels[i])))
		p.buf = append(p.buf, labels[i]...)
	}
	p.buf = append(p.buf, 0)
	return nil
}

func suffixKey(labels [][]byte) string {
	var sb strings.Builder
	for _, l := range labels {
		sb.WriteByte(byte(len(l)))
		sb.Write(l)
	}
	return sb.String()
}

func (p *packer) resource(rr *Resource) error {
	if err := p.name(rr.Name, true); err != nil {
		return fmt.Errorf("owner name: %w", err)
	}
	p.buf = binary.BigEndian.AppendUint16(p.buf, uint16(rr.Type))
	p.buf = binary.BigEndian.AppendUint16(p.buf, uint16(rr.Class))
	p.buf = binary.BigEndian.AppendUint32(p.buf, rr.TTL)

	lenOff := len(p.buf)
	p.buf = append(p.buf, 0, 0)

	if rr.Data != nil {
		if err := rr.Data.pack(p); err != nil {
			return fmt.Errorf("%s rdata of %s: %w", rr.Type, rr.Name, err)
		}
	}

	rdlen := len(p.buf) - lenOff - 2
	if rdlen > 0xFFFF {
		return fmt.Errorf("%s rdata of %s exceeds 65535 bytes", rr.Type, rr.Name)
	}
	binary.BigEndian.PutUint16(p.buf[lenOff:], uint16(rdlen))
	return nil
}

// Encode serializes m. Section counts follow the section lengths and names
// are compressed where RFC 1035 allows.
func (m *Message) Encode() ([]byte, error) {
	sections := [...][]Resource{m.Answer, m.Authority, m.Additional}
	for _, n := range [...]int{len(m.Question), len(m.Answer), len(m.Authority), len(m.Additional)} {
		if n > 0xFFFF {
			return nil, fmt.Errorf("section with %d entries", n)
		}
	}

	p := &packer{
		buf:  make([]byte, headerLen, MaxUDPSize),
		comp: make(map[string]int),
	}

	binary.BigEndian.PutUint16(p.buf[0:], m.ID)
	binary.BigEndian.PutUint16(p.buf[2:], m.flags())
	binary.BigEndian.PutUint16(p.buf[4:], uint16(len(m.Question)))
	binary.BigEndian.PutUint16(p.buf[6:], uint16(len(m.Answer)))
	binary.BigEndian.PutUint16(p.buf[8:], uint16(len(m.Authority)))
	binary.BigEndian.PutUint16(p.buf[10:], uint16(len(m.Additional)))

	for _, q := range m.Question {
		if err := p.name(q.Name, true); err != nil {
			return nil, fmt.Errorf("question name: %w", err)
		}
		p.buf = binary.BigEndian.AppendUint16(p.buf, uint16(q.Type))
		p.buf = binary.BigEndian.AppendUint16(p.buf, uint16(q.Class))
	}

	for _, sec := range sections {
		for i := range sec {
			if err := p.resource(&sec[i]); err != nil {
				return nil, err
			}
		}
	}

	if len(p.buf) > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds %d", len(p.buf), MaxMessageSize)
	}

	return p.buf, nil
}

// EncodeLimit encodes m in at most limit bytes. When the full message does
// not fit, records are dropped from the end (additional, then authority,
// then answer) and the truncated bit is set. m itself is not modified.
func (m *Message) EncodeLimit(limit int) ([]byte, error) {
	b, err := m.Encode()
	if err != nil || len(b) <= limit {
		return b, err
	}

	t := *m
	t.Truncated = true

	for len(b) > limit {
		switch {
		case len(t.Additional) > 0:
			t.Additional = t.Additional[:len(t.Additional)-1]
		case len(t.Authority) > 0:
			t.Authority = t.Authority[:len(t.Authority)-1]
		case len(t.Answer) > 0:
			t.Answer = t.Answer[:len(t.Answer)-1]
		default:
			return nil, fmt.Errorf("message exceeds %d bytes without records", limit)
		}
		if b, err = t.Encode(); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Reply returns a response skeleton for m with the same ID, opcode,
// recursion desired bit and question section.
func (m *Message) Reply() *Message {
	r := &Message{
		Header: Header{
			ID:               m.ID,
			Response:         true,
			Opcode:           m.Opcode,
			RecursionDesired: m.RecursionDesired,
			CheckingDisabled: m.CheckingDisabled,
		},
	}
	r.Question = append([]Question(nil), m.Question...)
	return r
}

// NewQuery builds a standard query for q.
func NewQuery(id uint16, q Question, rd bool) *Message {
	return &Message{
		Header: Header{
			ID:               id,
			Opcode:           OpcodeQuery,
			RecursionDesired: rd,
		},
		Question: []Question{q},
	}
}

// MinTTL returns the smallest TTL of rrs, or 0 when rrs is empty.
func MinTTL(rrs []Resource) uint32 {
	if len(rrs) == 0 {
		return 0
	}
	ttl := rrs[0].TTL
	for _, rr := range rrs[1:] {
		ttl = min(ttl, rr.TTL)
	}
	return ttl
}
