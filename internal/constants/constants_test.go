package constants

import (
	"testing"
)

func TestPostGet(t *testing.T) {
	if readOnlyConstants == nil {
		t.Error("Expected readOnlyConstants to be set by init() prior to me")
	}
}

// TestValues tests that at least a few of the constants have been
// initialized. Too tiresome to test them all and obviously of limited
// value.
func TestValues(t *testing.T) {
	consts := Get()
	if len(consts.ProgramName) == 0 {
		t.Error("consts.ProgramName should be set but it's zero length")
	}
	if len(consts.DoHJSONAccept) == 0 {
		t.Error("consts.DoHJSONAccept should be set but it's zero length")
	}

	if len(consts.HTTPSDefaultPort) == 0 {
		t.Error("consts.HTTPSDefaultPort should be set but it's zero length")
	}

	if len(consts.DNSDefaultPort) == 0 {
		t.Error("consts.DNSDefaultPort should be set but it's zero length")
	}
	if consts.MinimumViableDNSMessage == 0 {
		t.Error("consts.MinimumViableDNSMessage should be set but it's zero")
	}
	if consts.DefaultUpstreamTTLSeconds == 0 {
		t.Error("consts.DefaultUpstreamTTLSeconds should be set but it's zero")
	}
}
