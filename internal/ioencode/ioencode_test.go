package ioencode

import "testing"

func TestRoundTrip(t *testing.T) {
	tests := map[string]struct {
		stream string
		rank   int
		data   []byte
		eof    bool
	}{
		"data, no eof":    {stream: "stdout", rank: 0, data: []byte("hello\n"), eof: false},
		"eof, no data":    {stream: "stderr", rank: 3, data: nil, eof: true},
		"empty, no eof":   {stream: "stdout", rank: 1, data: nil, eof: false},
		"data with eof":   {stream: "stdout", rank: 2, data: []byte("tail"), eof: true},
		"binary payload":  {stream: "stdout", rank: 0, data: []byte{0x00, 0xff, 0x10}, eof: false},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			encoded, err := Encode(test.stream, test.rank, test.data, test.eof)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			stream, rank, data, eof, err := Decode(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if stream != test.stream || rank != test.rank || eof != test.eof {
				t.Fatalf("unexpected fields; actual: stream=%s rank=%d eof=%v", stream, rank, eof)
			}
			if len(data) != len(test.data) {
				t.Fatalf("unexpected data length; actual: %d, expected: %d", len(data), len(test.data))
			}
		})
	}
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	b, err := Encode("stdout", 0, nil, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got, expected := string(b), `{"stream":"stdout","rank":0}`; got != expected {
		t.Fatalf("unexpected envelope; actual: %s, expected: %s", got, expected)
	}
}
