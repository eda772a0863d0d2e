package wire

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dns/dohresolver/internal/domain"
)

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.Id = 0xabcd
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: qtype, Qclass: dns.ClassINET}}
	b, err := msg.Pack()
	require.NoError(t, err)
	return b
}

func clientAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 5353}
}

func TestParseValidQuery(t *testing.T) {
	payload := packQuery(t, "Example.COM.", dns.TypeA)
	q, cerr := Parse(payload, clientAddr())
	require.Nil(t, cerr)
	assert.Equal(t, "example.com", q.Name)
	assert.Equal(t, domain.TypeA, q.Type)
	assert.Equal(t, uint16(0xabcd), q.ID)
	assert.Equal(t, 5353, q.ClientPort)
	assert.Equal(t, len(payload), q.PacketLen)
}

func TestParseMalformedPacket(t *testing.T) {
	_, cerr := Parse([]byte{0x01, 0x02}, clientAddr())
	require.NotNil(t, cerr)
	assert.Equal(t, "malformed", cerr.Reason)
}

func TestParseEmptyQuestion(t *testing.T) {
	msg := new(dns.Msg)
	msg.Id = 1
	b, err := msg.Pack()
	require.NoError(t, err)

	_, cerr := Parse(b, clientAddr())
	require.NotNil(t, cerr)
	assert.Equal(t, "empty", cerr.Reason)
}

func TestParseUnsupportedTypeIsNotACodecError(t *testing.T) {
	payload := packQuery(t, "example.com.", dns.TypeSRV)
	q, cerr := Parse(payload, clientAddr())
	require.Nil(t, cerr)
	// Not in the closed set; caught by domain.Query.Validate, not the codec.
	err := q.Validate()
	require.Error(t, err)
}

func TestBuildReplyARecord(t *testing.T) {
	req := packQuery(t, "example.com.", dns.TypeA)
	resp := domain.Response{
		Name: "example.com",
		Type: domain.TypeA,
		Answers: []domain.Answer{
			{Name: "example.com", Type: dns.TypeA, TTL: 60, Data: "93.184.216.34"},
		},
	}

	out, err := BuildReply(req, resp)
	require.NoError(t, err)

	reply := new(dns.Msg)
	require.NoError(t, reply.Unpack(out))
	assert.Equal(t, uint16(0xabcd), reply.Id)
	assert.True(t, reply.Response)
	assert.True(t, reply.RecursionAvailable)
	assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
	require.Len(t, reply.Answer, 1)
	a, ok := reply.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", a.A.String())
}

func TestBuildReplyMXRecord(t *testing.T) {
	req := packQuery(t, "example.com.", dns.TypeMX)
	resp := domain.Response{
		Name: "example.com",
		Type: domain.TypeMX,
		Answers: []domain.Answer{
			{Name: "example.com", Type: dns.TypeMX, TTL: 300, Data: "10 mail.example.com."},
		},
	}

	out, err := BuildReply(req, resp)
	require.NoError(t, err)
	reply := new(dns.Msg)
	require.NoError(t, reply.Unpack(out))
	require.Len(t, reply.Answer, 1)
	mx, ok := reply.Answer[0].(*dns.MX)
	require.True(t, ok)
	assert.Equal(t, uint16(10), mx.Preference)
	assert.Equal(t, "mail.example.com.", mx.Mx)
}

func TestBuildReplyNXDomain(t *testing.T) {
	req := packQuery(t, "nowhere.example.", dns.TypeA)
	resp := domain.Response{Name: "nowhere.example", Type: domain.TypeA, NXDomain: true}

	out, err := BuildReply(req, resp)
	require.NoError(t, err)
	reply := new(dns.Msg)
	require.NoError(t, reply.Unpack(out))
	assert.Equal(t, dns.RcodeNameError, reply.Rcode)
	assert.Empty(t, reply.Answer)
}

func TestBuildReplySkipsMalformedAnswerButKeepsRest(t *testing.T) {
	req := packQuery(t, "example.com.", dns.TypeA)
	resp := domain.Response{
		Name: "example.com",
		Type: domain.TypeA,
		Answers: []domain.Answer{
			{Name: "example.com", Type: dns.TypeA, TTL: 60, Data: "not-an-ip"},
			{Name: "example.com", Type: dns.TypeA, TTL: 60, Data: "93.184.216.34"},
		},
	}

	out, err := BuildReply(req, resp)
	require.NoError(t, err)
	reply := new(dns.Msg)
	require.NoError(t, reply.Unpack(out))
	assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
	require.Len(t, reply.Answer, 1)
}

func TestBuildErrorReplyServfail(t *testing.T) {
	req := packQuery(t, "example.com.", dns.TypeA)
	out, err := BuildErrorReply(req, ErrServfail)
	require.NoError(t, err)
	reply := new(dns.Msg)
	require.NoError(t, reply.Unpack(out))
	assert.Equal(t, dns.RcodeServerFailure, reply.Rcode)
	assert.Equal(t, uint16(0xabcd), reply.Id)
}

func TestBuildErrorReplyRefused(t *testing.T) {
	req := packQuery(t, "example.com.", dns.TypeA)
	out, err := BuildErrorReply(req, ErrRefused)
	require.NoError(t, err)
	reply := new(dns.Msg)
	require.NoError(t, reply.Unpack(out))
	assert.Equal(t, dns.RcodeRefused, reply.Rcode)
}
