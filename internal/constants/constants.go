/*
Package constants provides common values used across all dohresolver packages. Usage is to call
the global Get() function which returns the Constants by value ensuring that any modifications
made (accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ProgramName, "based on", consts.DoHJSONAccept)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

// Constants contains the system-wide constants
type Constants struct {
	ProgramName string // Package related constants
	Version     string
	PackageName string
	PackageURL  string

	HTTPSDefaultPort string // HTTP related constants
	AcceptHeader     string // Place in every upstream request

	DoHJSONAccept string // Accept header value for the DoH JSON API

	DNSDefaultPort          string // DNS Related constants
	MinimumViableDNSMessage uint   // MsgHdr + one Question with zero length name
	DNSTruncateThreshold    int    // A message larger than this size may be truncated unless EDNS0
	MaximumViableDNSMessage uint   // Largest UDP DNS message we will ever construct

	DNSUDPTransport string // Suitable for the "net" package

	DefaultUpstreamTTLSeconds int // Used when upstream supplies no usable TTL
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		ProgramName: "dohresolver-proxy",
		Version:     "v0.1.0",
		PackageName: "Kestrel DoH Resolver",
		PackageURL:  "https://github.com/kestrel-dns/dohresolver",

		HTTPSDefaultPort: "443",
		AcceptHeader:     "Accept",

		DoHJSONAccept: "application/dns-json",

		DNSDefaultPort:          "53",
		MinimumViableDNSMessage: 16, // A legit binary DNS Message *cannot* be shorter than this
		DNSTruncateThreshold:    512,
		MaximumViableDNSMessage: 65535,

		DNSUDPTransport: "udp",

		DefaultUpstreamTTLSeconds: 300,
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
