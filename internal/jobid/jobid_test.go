package jobid

import "testing"

func TestRoundTrip(t *testing.T) {
	tests := map[string]struct {
		timestamp uint64
		seq       uint64
	}{
		"zero":       {timestamp: 0, seq: 0},
		"small":      {timestamp: 1, seq: 2},
		"large":      {timestamp: 0xabcdef1234, seq: 0xfedcba},
		"spec-style": {timestamp: 0x1234, seq: 0},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			id, err := New(test.timestamp, test.seq)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			forms := []string{id.Dec(), id.Hex(), id.DotHex(), id.F58(), id.Words()}
			for _, form := range forms {
				got, err := Parse(form)
				if err != nil {
					t.Fatalf("parse %q: unexpected error: %v", form, err)
				}
				if got != id {
					t.Fatalf("round trip %q; actual: %v, expected: %v", form, got, id)
				}
			}
		})
	}
}

func TestNewRejectsOverflow(t *testing.T) {
	if _, err := New(1<<40, 0); err == nil {
		t.Fatalf("expected error for oversized timestamp")
	}
	if _, err := New(0, 1<<24); err == nil {
		t.Fatalf("expected error for oversized sequence")
	}
}

func TestDotHexShape(t *testing.T) {
	id, err := New(0x123400, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// id = 0x123400 << 24 = 0x123400000000, a 64-bit value zero-padded to 16
	// hex digits and split into four 4-digit groups.
	if got, expected := id.DotHex(), "0000123400000000"[0:4]+"."+"0000123400000000"[4:8]+"."+"0000123400000000"[8:12]+"."+"0000123400000000"[12:16]; got != expected {
		t.Fatalf("unexpected dothex; actual: %s, expected: %s", got, expected)
	}
}
