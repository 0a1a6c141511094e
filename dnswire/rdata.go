package dnswire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// RData is the type specific payload of a resource record.
type RData interface {
	String() string

	pack(p *packer) error
	clone() RData
}

// A is an IPv4 host address.
type A struct {
	Addr netip.Addr
}

func (r *A) String() string { return r.Addr.String() }

func (r *A) pack(p *packer) error {
	if !r.Addr.Is4() {
		return fmt.Errorf("A record with non IPv4 address %s", r.Addr)
	}
	b := r.Addr.As4()
	p.buf = append(p.buf, b[:]...)
	return nil
}

func (r *A) clone() RData { c := *r; return &c }

// AAAA is an IPv6 host address.
type AAAA struct {
	Addr netip.Addr
}

func (r *AAAA) String() string { return r.Addr.String() }

func (r *AAAA) pack(p *packer) error {
	if !r.Addr.Is6() {
		return fmt.Errorf("AAAA record with non IPv6 address %s", r.Addr)
	}
	b := r.Addr.As16()
	p.buf = append(p.buf, b[:]...)
	return nil
}

func (r *AAAA) clone() RData { c := *r; return &c }

// NS is an authoritative name server.
type NS struct {
	Host string
}

func (r *NS) String() string { return r.Host }
func (r *NS) pack(p *packer) error { return p.name(r.Host, true) }
func (r *NS) clone() RData { c := *r; return &c }

// CNAME is a canonical name alias.
type CNAME struct {
	Target string
}

func (r *CNAME) String() string { return r.Target }
func (r *CNAME) pack(p *packer) error { return p.name(r.Target, true) }
func (r *CNAME) clone() RData { c := *r; return &c }

// PTR is a domain name pointer.
type PTR struct {
	Ptr string
}

func (r *PTR) String() string { return r.Ptr }
func (r *PTR) pack(p *packer) error { return p.name(r.Ptr, true) }
func (r *PTR) clone() RData { c := *r; return &c }

// MX is a mail exchange.
type MX struct {
	Preference uint16
	Exchange   string
}

func (r *MX) String() string {
	return strconv.Itoa(int(r.Preference)) + " " + r.Exchange
}

func (r *MX) pack(p *packer) error {
	p.buf = binary.BigEndian.AppendUint16(p.buf, r.Preference)
	return p.name(r.Exchange, true)
}

func (r *MX) clone() RData { c := *r; return &c }

// TXT holds one or more character strings.
type TXT struct {
	Strings []string
}

func (r *TXT) String() string {
	parts := make([]string, len(r.Strings))
	for i, s := range r.Strings {
		parts[i] = strconv.Quote(s)
	}
	return strings.Join(parts, " ")
}

func (r *TXT) pack(p *packer) error {
	for _, s := range r.Strings {
		if len(s) > 255 {
			return fmt.Errorf("TXT string longer than 255 bytes")
		}
		p.buf = append(p.buf, byte(len(s)))
		p.buf = append(p.buf, s...)
	}
	return nil
}

func (r *TXT) clone() RData {
	return &TXT{Strings: append([]string(nil), r.Strings...)}
}

// SOA marks the start of a zone of authority.
type SOA struct {
	Ns      string
	Mbox    string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	MinTTL  uint32
}

func (r *SOA) String() string {
	return fmt.Sprintf("%s %s %d %d %d %d %d", r.Ns, r.Mbox, r.Serial, r.Refresh, r.Retry, r.Expire, r.MinTTL)
}

func (r *SOA) pack(p *packer) error {
	if err := p.name(r.Ns, true); err != nil {
		return err
	}
	if err := p.name(r.Mbox, true); err != nil {
		return err
	}
	for _, v := range [...]uint32{r.Serial, r.Refresh, r.Retry, r.Expire, r.MinTTL} {
		p.buf = binary.BigEndian.AppendUint32(p.buf, v)
	}
	return nil
}

func (r *SOA) clone() RData { c := *r; return &c }

// SRV locates a service.
type SRV struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

func (r *SRV) String() string {
	return fmt.Sprintf("%d %d %d %s", r.Priority, r.Weight, r.Port, r.Target)
}

func (r *SRV) pack(p *packer) error {
	p.buf = binary.BigEndian.AppendUint16(p.buf, r.Priority)
	p.buf = binary.BigEndian.AppendUint16(p.buf, r.Weight)
	p.buf = binary.BigEndian.AppendUint16(p.buf, r.Port)
	// RFC 2782 forbids compressing the target.
	return p.name(r.Target, false)
}

func (r *SRV) clone() RData { c := *r; return &c }

// Unknown carries the RDATA of any type without a typed decoder, OPT
// included. The bytes are relayed unchanged.
type Unknown struct {
	Data []byte
}

// String uses the RFC 3597 generic notation.
func (r *Unknown) String() string {
	return `\# ` + strconv.Itoa(len(r.Data)) + " " + hex.EncodeToString(r.Data)
}

func (r *Unknown) pack(p *packer) error {
	p.buf = append(p.buf, r.Data...)
	return nil
}

func (r *Unknown) clone() RData {
	return &Unknown{Data: append([]byte(nil), r.Data...)}
}

// unpackRData decodes the RDATA of type t occupying msg[off:end].
func unpackRData(msg []byte, off, end int, t Type) (RData, error) {
	rd := msg[off:end]

	var (
		data RData
		next = end
		err  error
	)

	switch t {
	case TypeA:
		if len(rd) != 4 {
			return nil, fmt.Errorf("%w: A rdata of %d bytes", ErrMalformed, len(rd))
		}
		data = &A{Addr: netip.AddrFrom4([4]byte(rd))}

	case TypeAAAA:
		if len(rd) != 16 {
			return nil, fmt.Errorf("%w: AAAA rdata of %d bytes", ErrMalformed, len(rd))
		}
		data = &AAAA{Addr: netip.AddrFrom16([16]byte(rd))}

	case TypeNS, TypeCNAME, TypePTR:
		var name string
		name, next, err = readName(msg[:end], off)
		if err != nil {
			return nil, err
		}
		switch t {
		case TypeNS:
			data = &NS{Host: name}
		case TypeCNAME:
			data = &CNAME{Target: name}
		default:
			data = &PTR{Ptr: name}
		}

	case TypeMX:
		if len(rd) < 3 {
			return nil, fmt.Errorf("%w: MX rdata of %d bytes", ErrMalformed, len(rd))
		}
		mx := &MX{Preference: binary.BigEndian.Uint16(rd)}
		mx.Exchange, next, err = readName(msg[:end], off+2)
		if err != nil {
			return nil, err
		}
		data = mx

	case TypeTXT:
		txt := &TXT{}
		for i := 0; i < len(rd); {
			n := int(rd[i])
			if i+1+n > len(rd) {
				return nil, fmt.Errorf("%w: TXT string overruns rdata", ErrMalformed)
			}
			txt.Strings = append(txt.Strings, string(rd[i+1:i+1+n]))
			i += 1 + n
		}
		data = txt

	case TypeSOA:
		soa := &SOA{}
		soa.Ns, next, err = readName(msg[:end], off)
		if err != nil {
			return nil, err
		}
		soa.Mbox, next, err = readName(msg[:end], next)
		if err != nil {
			return nil, err
		}
		if end-next != 20 {
			return nil, fmt.Errorf("%w: SOA rdata length mismatch", ErrMalformed)
		}
		f := msg[next:end]
		soa.Serial = binary.BigEndian.Uint32(f[0:])
		soa.Refresh = binary.BigEndian.Uint32(f[4:])
		soa.Retry = binary.BigEndian.Uint32(f[8:])
		soa.Expire = binary.BigEndian.Uint32(f[12:])
		soa.MinTTL = binary.BigEndian.Uint32(f[16:])
		next = end
		data = soa

	case TypeSRV:
		if len(rd) < 7 {
			return nil, fmt.Errorf("%w: SRV rdata of %d bytes", ErrMalformed, len(rd))
		}
		srv := &SRV{
			Priority: binary.BigEndian.Uint16(rd[0:]),
			Weight:   binary.BigEndian.Uint16(rd[2:]),
			Port:     binary.BigEndian.Uint16(rd[4:]),
		}
		srv.Target, next, err = readName(msg[:end], off+6)
		if err != nil {
			return nil, err
		}
		data = srv

	default:
		data = &Unknown{Data: append([]byte(nil), rd...)}
	}

	if next != end {
		return nil, fmt.Errorf("%w: %s rdata does not consume its %d bytes", ErrMalformed, t, len(rd))
	}

	return data, nil
}
