package taskmap

import "testing"

func TestEncodeRawBlock(t *testing.T) {
	m, err := DecodeJSON([]byte(`[[0,4,4,1]]`))
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if got, expected := EncodeRaw(m), "0-3;4-7;8-11;12-15"; got != expected {
		t.Fatalf("unexpected raw encoding; actual: %s, expected: %s", got, expected)
	}
	if got, expected := EncodePMI(m), "(vector,(0,4,4))"; got != expected {
		t.Fatalf("unexpected pmi encoding; actual: %s, expected: %s", got, expected)
	}
}

func TestEncodeRawCyclic(t *testing.T) {
	m, err := DecodeJSON([]byte(`[[0,4,1,4]]`))
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	expected := "0,4,8,12;1,5,9,13;2,6,10,14;3,7,11,15"
	if got := EncodeRaw(m); got != expected {
		t.Fatalf("unexpected raw encoding; actual: %s, expected: %s", got, expected)
	}
}

func TestDecodeRawRoundTrip(t *testing.T) {
	tests := []string{
		"0-3;4-7;8-11;12-15",
		"0,4,8,12;1,5,9,13;2,6,10,14;3,7,11,15",
		"0-1;2-3",
	}
	for _, raw := range tests {
		m, err := DecodeRaw(raw)
		if err != nil {
			t.Fatalf("decode raw %q: %v", raw, err)
		}
		if got := EncodeRaw(m); got != raw {
			t.Fatalf("round trip %q; actual: %s", raw, got)
		}
	}
}

func TestDecodeRawRejectsGapsAndDuplicates(t *testing.T) {
	if _, err := DecodeRaw("0,2"); err == nil {
		t.Fatalf("expected error for coverage gap")
	}
	if _, err := DecodeRaw("0,0;1"); err == nil {
		t.Fatalf("expected error for duplicate taskid")
	}
}

func TestPMIRoundTrip(t *testing.T) {
	m := New()
	m.Append(0, 4, 1)
	m.Append(0, 4, 1)
	m.Append(0, 4, 1)
	m.Append(0, 4, 1)

	encoded := EncodePMI(m)
	decoded, err := DecodePMI(encoded)
	if err != nil {
		t.Fatalf("decode pmi %q: %v", encoded, err)
	}
	if !Check(m, decoded) {
		t.Fatalf("pmi round trip not equivalent; original: %+v, decoded: %+v", m, decoded)
	}
}

func TestCheckEquivalence(t *testing.T) {
	a, err := DecodeJSON([]byte(`[[0,4,4,1]]`))
	if err != nil {
		t.Fatalf("decode a: %v", err)
	}
	b, err := DecodeRaw("0-3;4-7;8-11;12-15")
	if err != nil {
		t.Fatalf("decode b: %v", err)
	}
	if !Check(a, b) {
		t.Fatalf("expected a and b to be equivalent")
	}

	c := New()
	c.Append(0, 2, 8)
	if Check(a, c) {
		t.Fatalf("expected a and c to differ")
	}
}

func TestAppendMergesTrailingBlock(t *testing.T) {
	m := New()
	m.Append(0, 4, 1)
	m.Append(0, 4, 1)
	if len(m.Blocks) != 1 {
		t.Fatalf("expected merge into one block; actual: %d blocks", len(m.Blocks))
	}
	if m.Blocks[0].Repeat != 2 {
		t.Fatalf("expected repeat 2; actual: %d", m.Blocks[0].Repeat)
	}

	m.Append(4, 2, 1)
	if len(m.Blocks) != 2 {
		t.Fatalf("expected new block for differing nodeid; actual: %d blocks", len(m.Blocks))
	}
}
