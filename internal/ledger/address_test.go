package ledger

import (
	"encoding/json"
	"testing"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x00000000000000000000000000000000000000a1")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if addr[19] != 0xa1 {
		t.Errorf("last byte = %#x, want 0xa1", addr[19])
	}

	bare, err := ParseAddress("00000000000000000000000000000000000000a1")
	if err != nil {
		t.Fatalf("ParseAddress without prefix: %v", err)
	}
	if bare != addr {
		t.Errorf("prefixed and bare forms differ")
	}
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"0x",
		"0x1234",
		"0x00000000000000000000000000000000000000zz",
		"0x00000000000000000000000000000000000000a1b2",
	} {
		if _, err := ParseAddress(s); err == nil {
			t.Errorf("ParseAddress(%q) succeeded, want error", s)
		}
	}
}

func TestAddressRoundTrip(t *testing.T) {
	addr := MustParseAddress("0x00000000000000000000000000000000000000b2")
	again, err := ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if again != addr {
		t.Errorf("round trip mismatch: %s != %s", again, addr)
	}
}

func TestAddressJSON(t *testing.T) {
	addr := MustParseAddress("0x00000000000000000000000000000000000000c3")
	data, err := json.Marshal(addr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"0x00000000000000000000000000000000000000c3"` {
		t.Errorf("marshal = %s", data)
	}

	var decoded Address
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != addr {
		t.Errorf("decoded %s, want %s", decoded, addr)
	}
}

func TestAddressIsZero(t *testing.T) {
	var zero Address
	if !zero.IsZero() {
		t.Error("zero address reported non-zero")
	}
	if alice.IsZero() {
		t.Error("non-zero address reported zero")
	}
}
