package tapctl

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMessageRoundTrip(t *testing.T) {
	m := Message{
		Type:        MsgOpen,
		Cookie:      7,
		Minor:       7,
		OpenFlags:   OpenFlagReadOnly | OpenFlagEncrypted,
		ParentMinor: 3,
		TimeoutSecs: 30,
		Sectors:     131072,
		SecSize:     512,
		Info:        0,
		ListCount:   1,
		StatsLength: 0,
		TrailerLen:  17,
		Path:        "vhd:/images/disk.vhd",
	}
	buf := m.Encode()
	if len(buf) != messageLen {
		t.Fatalf("Encode length = %d, want %d", len(buf), messageLen)
	}
	got := DecodeMessage(buf)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageTypeString(t *testing.T) {
	if MsgOpen.String() != "OPEN" {
		t.Fatalf("MsgOpen.String() = %q, want OPEN", MsgOpen.String())
	}
	if MessageType(9999).String() != "UNKNOWN" {
		t.Fatalf("out-of-range MessageType should stringify to UNKNOWN")
	}
}
