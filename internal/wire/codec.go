// Package wire implements the DNS packet codec of spec §4.1: inbound
// packets become domain.Query values, and domain.Response values (or a bare
// error kind) become outbound reply packets. It is grounded on the
// teacher's internal/dnsutil (RR/OPT manipulation idiom) and
// cmd/trustydns-proxy/server.go (transaction id reuse, header discipline),
// built on github.com/miekg/dns throughout. Replies are not truncated.
package wire

import (
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/kestrel-dns/dohresolver/internal/domain"
)

// ErrorKind selects the rcode BuildErrorReply uses, per spec §7's taxonomy.
type ErrorKind int

const (
	ErrServfail ErrorKind = iota
	ErrRefused
	ErrNotImplemented
)

func (k ErrorKind) rcode() int {
	switch k {
	case ErrRefused:
		return dns.RcodeRefused
	case ErrNotImplemented:
		return dns.RcodeNotImplemented
	default:
		return dns.RcodeServerFailure
	}
}

// Parse decodes a raw UDP payload into a Query. It recognizes class IN and
// reads only the first question, per spec §4.1.
func Parse(payload []byte, clientAddr *net.UDPAddr) (domain.Query, *domain.CodecError) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return domain.Query{}, &domain.CodecError{Reason: "malformed"}
	}
	if len(msg.Question) == 0 {
		return domain.Query{}, &domain.CodecError{Reason: "empty"}
	}

	q := msg.Question[0]
	if q.Qclass != dns.ClassINET {
		return domain.Query{}, &domain.CodecError{Reason: "malformed"}
	}

	qtype, ok := domain.QTypeFromNumeric(q.Qtype)
	if !ok {
		qtype = domain.QType(dns.TypeToString[q.Qtype])
	}

	query := domain.Query{
		Name:       domain.NormalizeName(q.Name),
		Type:       qtype,
		ID:         msg.Id,
		ClientIP:   clientAddr.IP,
		ClientPort: clientAddr.Port,
		PacketLen:  len(payload),
	}
	return query, nil
}

// BuildReply serializes resp into a reply packet that reuses requestBytes'
// transaction id and first question, per spec §4.1.
func BuildReply(requestBytes []byte, resp domain.Response) ([]byte, error) {
	reqMsg := new(dns.Msg)
	if err := reqMsg.Unpack(requestBytes); err != nil {
		return nil, err
	}

	reply := new(dns.Msg)
	reply.SetReply(reqMsg)
	reply.Authoritative = false
	reply.RecursionAvailable = true

	if resp.NXDomain {
		reply.Rcode = dns.RcodeNameError
	} else {
		reply.Rcode = dns.RcodeSuccess
	}

	for _, a := range resp.Answers {
		rr := buildRR(a)
		if rr == nil {
			continue // malformed upstream answer record: skip silently per spec §4.1
		}
		reply.Answer = append(reply.Answer, rr)
	}

	return reply.Pack()
}

// BuildErrorReply builds a header-only reply with the rcode selected by
// kind, reusing requestBytes' transaction id and question where possible.
func BuildErrorReply(requestBytes []byte, kind ErrorKind) ([]byte, error) {
	reqMsg := new(dns.Msg)
	reply := new(dns.Msg)
	if err := reqMsg.Unpack(requestBytes); err == nil {
		reply.SetReply(reqMsg)
	} else {
		// Malformed request: still answer with a minimal, correctly
		// addressed header so the client doesn't hang waiting on a drop.
		reply.Response = true
	}
	reply.RecursionAvailable = true
	reply.Rcode = kind.rcode()
	return reply.Pack()
}

// buildRR constructs the dns.RR for one Answer record, per the type-specific
// encodings spec §4.1 names. Returns nil for a malformed or unsupported
// record so the caller can skip it.
func buildRR(a domain.Answer) dns.RR {
	hdr := dns.RR_Header{
		Name:   dns.Fqdn(a.Name),
		Rrtype: a.Type,
		Class:  dns.ClassINET,
		Ttl:    uint32(a.TTL),
	}

	switch a.Type {
	case dns.TypeA:
		ip := net.ParseIP(a.Data).To4()
		if ip == nil {
			return nil
		}
		return &dns.A{Hdr: hdr, A: ip}

	case dns.TypeAAAA:
		ip := net.ParseIP(a.Data).To16()
		if ip == nil {
			return nil
		}
		return &dns.AAAA{Hdr: hdr, AAAA: ip}

	case dns.TypeCNAME:
		return &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(a.Data)}

	case dns.TypeNS:
		return &dns.NS{Hdr: hdr, Ns: dns.Fqdn(a.Data)}

	case dns.TypePTR:
		return &dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(a.Data)}

	case dns.TypeTXT:
		return &dns.TXT{Hdr: hdr, Txt: splitTXT(a.Data)}

	case dns.TypeMX:
		pref, exchange, ok := splitMX(a.Data)
		if !ok {
			return nil
		}
		return &dns.MX{Hdr: hdr, Preference: pref, Mx: dns.Fqdn(exchange)}

	default:
		return nil
	}
}

// splitTXT breaks upstream's single data string into dns.TXT's length
// -prefixed-string chunks. DoH JSON answers carry TXT data as one quoted
// string; a single chunk is almost always sufficient, but we still respect
// the 255-octet limit per string.
func splitTXT(data string) []string {
	data = strings.Trim(data, `"`)
	if len(data) <= 255 {
		return []string{data}
	}
	var chunks []string
	for len(data) > 255 {
		chunks = append(chunks, data[:255])
		data = data[255:]
	}
	if len(data) > 0 {
		chunks = append(chunks, data)
	}
	return chunks
}

// splitMX parses upstream's "<preference> <exchange>" data field.
func splitMX(data string) (uint16, string, bool) {
	parts := strings.SplitN(strings.TrimSpace(data), " ", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	pref, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(pref), parts[1], true
}
