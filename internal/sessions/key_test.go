package sessions

import (
	"strings"
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	key := Key("discord", "123456")
	if key != "discord:123456" {
		t.Fatalf("Key = %q", key)
	}
	platform, channel, ok := Split(key)
	if !ok || platform != "discord" || channel != "123456" {
		t.Fatalf("Split = %q, %q, %v", platform, channel, ok)
	}
}

func TestSplit_Malformed(t *testing.T) {
	for _, bad := range []string{"", "discord", ":123", "discord:"} {
		if _, _, ok := Split(bad); ok {
			t.Errorf("Split(%q) ok = true", bad)
		}
	}
}

func TestRequestIDShapes(t *testing.T) {
	if got := AnchoredRequestID("discord:C1", "m42"); got != "discord:C1:m42" {
		t.Errorf("AnchoredRequestID = %q", got)
	}
	if got := GateRequestID(); !strings.HasPrefix(got, "req:") || len(got) < 10 {
		t.Errorf("GateRequestID = %q", got)
	}
	if got := QueuedBehindRequestID("discord:C1:m42"); got != "queued:discord:C1:m42" {
		t.Errorf("QueuedBehindRequestID = %q", got)
	}
}
