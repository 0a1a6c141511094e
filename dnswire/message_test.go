package dnswire

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_DecodeMiekgQuery(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("WWW.Example.COM.", dns.TypeAAAA)
	req.Id = 0xBEEF
	req.CheckingDisabled = true

	b, err := req.Pack()
	require.NoError(t, err)

	m, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, uint16(0xBEEF), m.ID)
	assert.False(t, m.Response)
	assert.True(t, m.RecursionDesired)
	assert.True(t, m.CheckingDisabled)
	assert.Equal(t, OpcodeQuery, m.Opcode)
	require.Len(t, m.Question, 1)
	assert.Equal(t, Question{Name: "www.example.com.", Type: TypeAAAA, Class: ClassINET}, m.Question[0])
}

func Test_EncodeDecodedByMiekg(t *testing.T) {
	m := &Message{
		Header: Header{ID: 7, Response: true, RecursionDesired: true, RecursionAvailable: true},
		Question: []Question{
			{Name: "example.com.", Type: TypeMX, Class: ClassINET},
		},
		Answer: []Resource{
			{Name: "example.com.", Type: TypeMX, Class: ClassINET, TTL: 300, Data: &MX{Preference: 10, Exchange: "mail.example.com."}},
			{Name: "example.com.", Type: TypeA, Class: ClassINET, TTL: 300, Data: &A{Addr: netip.MustParseAddr("192.0.2.1")}},
			{Name: "example.com.", Type: TypeAAAA, Class: ClassINET, TTL: 300, Data: &AAAA{Addr: netip.MustParseAddr("2001:db8::1")}},
			{Name: "example.com.", Type: TypeTXT, Class: ClassINET, TTL: 60, Data: &TXT{Strings: []string{"v=spf1 -all", "second"}}},
		},
		Authority: []Resource{
			{Name: "example.com.", Type: TypeNS, Class: ClassINET, TTL: 3600, Data: &NS{Host: "ns1.example.com."}},
			{Name: "example.com.", Type: TypeSOA, Class: ClassINET, TTL: 3600, Data: &SOA{
				Ns: "ns1.example.com.", Mbox: "hostmaster.example.com.",
				Serial: 2024010101, Refresh: 7200, Retry: 3600, Expire: 1209600, MinTTL: 300,
			}},
		},
		Additional: []Resource{
			{Name: "_sip._udp.example.com.", Type: TypeSRV, Class: ClassINET, TTL: 60, Data: &SRV{Priority: 1, Weight: 2, Port: 5060, Target: "sip.example.com."}},
			{Name: "www.example.com.", Type: TypeCNAME, Class: ClassINET, TTL: 60, Data: &CNAME{Target: "example.com."}},
			{Name: "1.2.0.192.in-addr.arpa.", Type: TypePTR, Class: ClassINET, TTL: 60, Data: &PTR{Ptr: "example.com."}},
		},
	}

	b, err := m.Encode()
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(b))

	assert.Equal(t, uint16(7), resp.Id)
	assert.True(t, resp.Response)
	assert.True(t, resp.RecursionAvailable)
	require.Len(t, resp.Answer, 4)
	require.Len(t, resp.Ns, 2)
	require.Len(t, resp.Extra, 3)

	mx := resp.Answer[0].(*dns.MX)
	assert.Equal(t, uint16(10), mx.Preference)
	assert.Equal(t, "mail.example.com.", mx.Mx)
	assert.Equal(t, net.ParseIP("192.0.2.1").To4(), resp.Answer[1].(*dns.A).A.To4())
	assert.Equal(t, net.ParseIP("2001:db8::1"), resp.Answer[2].(*dns.AAAA).AAAA)
	assert.Equal(t, []string{"v=spf1 -all", "second"}, resp.Answer[3].(*dns.TXT).Txt)

	soa := resp.Ns[1].(*dns.SOA)
	assert.Equal(t, "hostmaster.example.com.", soa.Mbox)
	assert.Equal(t, uint32(2024010101), soa.Serial)
	assert.Equal(t, uint32(300), soa.Minttl)

	srv := resp.Extra[0].(*dns.SRV)
	assert.Equal(t, uint16(5060), srv.Port)
	assert.Equal(t, "sip.example.com.", srv.Target)
	assert.Equal(t, "example.com.", resp.Extra[1].(*dns.CNAME).Target)
	assert.Equal(t, "example.com.", resp.Extra[2].(*dns.PTR).Ptr)

	// Decoding our own output gives back the same message.
	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func Test_EncodeCompresses(t *testing.T) {
	m := &Message{
		Question: []Question{{Name: "a.example.com.", Type: TypeA, Class: ClassINET}},
		Answer: []Resource{
			{Name: "a.example.com.", Type: TypeCNAME, Class: ClassINET, TTL: 1, Data: &CNAME{Target: "b.example.com."}},
		},
	}

	b, err := m.Encode()
	require.NoError(t, err)

	// header + question (15 + 4) + owner pointer (2) + type/class/ttl/rdlen (10)
	// + "b" label (2) + pointer to example.com (2)
	assert.Equal(t, 12+19+2+10+4, len(b))

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(b))
	assert.Equal(t, "b.example.com.", resp.Answer[0].(*dns.CNAME).Target)
}

func Test_UnknownTypeOpaque(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeCAA)
	req.Response = true
	caa := &dns.CAA{
		Hdr:   dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeCAA, Class: dns.ClassINET, Ttl: 120},
		Flag:  0,
		Tag:   "issue",
		Value: "ca.example.net",
	}
	req.Answer = append(req.Answer, caa)
	req.SetEdns0(1232, true)

	b, err := req.Pack()
	require.NoError(t, err)

	m, err := Decode(b)
	require.NoError(t, err)
	require.Len(t, m.Answer, 1)
	require.Len(t, m.Additional, 1)

	unk, ok := m.Answer[0].Data.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, Type(dns.TypeCAA), m.Answer[0].Type)
	assert.Equal(t, "CAA", m.Answer[0].Type.String())

	opt, ok := m.Additional[0].Data.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, TypeOPT, m.Additional[0].Type)
	assert.Equal(t, Class(1232), m.Additional[0].Class)
	assert.Empty(t, opt.Data)

	out, err := m.Encode()
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(out))
	require.Len(t, resp.Answer, 1)
	got := resp.Answer[0].(*dns.CAA)
	assert.Equal(t, "issue", got.Tag)
	assert.Equal(t, "ca.example.net", got.Value)
	require.NotNil(t, resp.IsEdns0())
	assert.True(t, resp.IsEdns0().Do())

	// rdata is copied out of the read buffer
	unk.Data[0] = 0xFF
	again, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, byte(0), again.Answer[0].Data.(*Unknown).Data[0])
}

func Test_DecodeMalformed(t *testing.T) {
	valid := func() []byte {
		req := new(dns.Msg)
		req.SetQuestion("example.com.", dns.TypeA)
		b, err := req.Pack()
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name string
		msg  []byte
	}{
		{"empty", nil},
		{"short header", []byte{0, 1, 0, 0, 0}},
		{"question count overruns", append(valid()[:12], 0)},
		{"truncated question", valid()[:20]},
		{"label overruns", func() []byte {
			b := valid()[:12]
			return append(b, 10, 'a', 'b')
		}()},
		{"answer count without records", func() []byte {
			b := valid()
			b[7] = 1
			return b
		}()},
		{"self pointer", func() []byte {
			b := valid()[:12]
			b[5] = 1
			return append(b, 0xC0, 12, 0, 1, 0, 1)
		}()},
		{"forward pointer", func() []byte {
			b := valid()[:12]
			b[5] = 1
			return append(b, 0xC0, 20, 0, 1, 0, 1, 0, 0, 0)
		}()},
		{"extended label type", func() []byte {
			b := valid()[:12]
			b[5] = 1
			return append(b, 0x41, 0, 0, 1, 0, 1)
		}()},
		{"rdlength overruns", func() []byte {
			b := valid()
			b[7] = 1
			b = append(b, 0xC0, 12, 0, 1, 0, 1, 0, 0, 0, 60, 0, 10, 1, 2, 3, 4)
			return b
		}()},
		{"A rdata wrong size", func() []byte {
			b := valid()
			b[7] = 1
			return append(b, 0xC0, 12, 0, 1, 0, 1, 0, 0, 0, 60, 0, 3, 1, 2, 3)
		}()},
		{"CNAME rdata trailing bytes", func() []byte {
			b := valid()
			b[7] = 1
			return append(b, 0xC0, 12, 0, 5, 0, 1, 0, 0, 0, 60, 0, 3, 0xC0, 12, 0xFF)
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.msg)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func Test_DecodePointerLoop(t *testing.T) {
	// 29 -> 31 -> 29 would loop; the first jump already points forward.
	b := []byte{
		0, 1, 0x81, 0x80, 0, 1, 0, 1, 0, 0, 0, 0,
		7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0, 0, 1, 0, 1,
		0xC0, 31, 0xC0, 29,
	}

	_, err := Decode(b)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func Test_DecodeNameTooLong(t *testing.T) {
	b := []byte{0, 1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0}
	for i := 0; i < 5; i++ {
		b = append(b, 63)
		for j := 0; j < 63; j++ {
			b = append(b, 'a')
		}
	}
	b = append(b, 0, 0, 1, 0, 1)

	_, err := Decode(b)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func Test_DecodeEscapes(t *testing.T) {
	b := []byte{0, 1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0,
		3, 'a', '.', ' ', 3, 'C', 'O', 'M', 0, 0, 16, 0, 1}

	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, `a\.\032.com.`, m.Question[0].Name)

	out, err := m.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 'a', '.', ' ', 3, 'c', 'o', 'm', 0}, out[12:21])
}

func Test_EncodeLimitTruncates(t *testing.T) {
	m := &Message{
		Header:   Header{ID: 1, Response: true},
		Question: []Question{{Name: "big.example.com.", Type: TypeTXT, Class: ClassINET}},
	}
	for i := 0; i < 10; i++ {
		m.Answer = append(m.Answer, Resource{
			Name: "big.example.com.", Type: TypeTXT, Class: ClassINET, TTL: 60,
			Data: &TXT{Strings: []string{string(make([]byte, 100))}},
		})
	}

	full, err := m.Encode()
	require.NoError(t, err)
	require.Greater(t, len(full), MaxUDPSize)

	b, err := m.EncodeLimit(MaxUDPSize)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), MaxUDPSize)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, out.Truncated)
	assert.Less(t, len(out.Answer), 10)
	assert.NotEmpty(t, out.Answer)

	// the original message is untouched
	assert.False(t, m.Truncated)
	assert.Len(t, m.Answer, 10)

	small, err := (&Message{Question: m.Question}).EncodeLimit(MaxUDPSize)
	require.NoError(t, err)
	out, err = Decode(small)
	require.NoError(t, err)
	assert.False(t, out.Truncated)
}

func Test_EncodeInvalidName(t *testing.T) {
	m := NewQuery(1, Question{Name: "bad..name.", Type: TypeA, Class: ClassINET}, true)
	_, err := m.Encode()
	assert.True(t, errors.Is(err, ErrInvalidName))
}

func Test_Reply(t *testing.T) {
	q := NewQuery(42, Question{Name: "example.com.", Type: TypeA, Class: ClassINET}, true)
	q.CheckingDisabled = true

	r := q.Reply()
	assert.Equal(t, uint16(42), r.ID)
	assert.True(t, r.Response)
	assert.True(t, r.RecursionDesired)
	assert.True(t, r.CheckingDisabled)
	assert.Equal(t, q.Question, r.Question)

	r.Question[0].Name = "other."
	assert.Equal(t, "example.com.", q.Question[0].Name)
}

func Test_MinTTL(t *testing.T) {
	assert.Equal(t, uint32(0), MinTTL(nil))
	assert.Equal(t, uint32(30), MinTTL([]Resource{{TTL: 60}, {TTL: 30}, {TTL: 90}}))
}

func Test_ResourceCopy(t *testing.T) {
	rr := Resource{Name: "x.", Type: TypeTXT, Class: ClassINET, TTL: 5, Data: &TXT{Strings: []string{"a"}}}
	c := rr.Copy()
	c.Data.(*TXT).Strings[0] = "b"
	assert.Equal(t, "a", rr.Data.(*TXT).Strings[0])
}

func Test_MnemonicStrings(t *testing.T) {
	assert.Equal(t, "AAAA", TypeAAAA.String())
	assert.Equal(t, "TYPE65280", Type(65280).String())
	assert.Equal(t, "IN", ClassINET.String())
	assert.Equal(t, "NXDOMAIN", RcodeNameError.String())
	assert.Equal(t, "QUERY", OpcodeQuery.String())
}
