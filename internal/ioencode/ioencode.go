// Package ioencode implements the subprocess I/O envelope (§4.D): the JSON
// wire format carrying one chunk of a stdio stream between a subprocess
// server and its client.
package ioencode

import (
	"encoding/base64"
	"encoding/json"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
)

// Envelope is the wire representation of one I/O chunk.
type Envelope struct {
	Stream string `json:"stream"`
	Rank   int    `json:"rank"`
	Data   string `json:"data,omitempty"`
	EOF    bool   `json:"eof,omitempty"`
}

// Encode renders one chunk of stream data from rank as a JSON envelope.
// data is included (base64-encoded) only if non-empty; eof is included
// only when true.
func Encode(stream string, rank int, data []byte, eof bool) ([]byte, error) {
	env := Envelope{Stream: stream, Rank: rank}
	if len(data) > 0 {
		env.Data = base64.StdEncoding.EncodeToString(data)
	}
	if eof {
		env.EOF = true
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, ferrors.Newf(ferrors.InvalidArgument, "marshal io envelope: %s", err)
	}
	return b, nil
}

// Decode is the inverse of Encode: it parses a JSON envelope back into its
// stream name, rank, payload, and eof flag.
func Decode(b []byte) (stream string, rank int, data []byte, eof bool, err error) {
	var env Envelope
	if jerr := json.Unmarshal(b, &env); jerr != nil {
		return "", 0, nil, false, ferrors.Newf(ferrors.InvalidArgument, "unmarshal io envelope: %s", jerr)
	}
	if env.Data != "" {
		data, err = base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return "", 0, nil, false, ferrors.Newf(ferrors.InvalidArgument, "decode io envelope data: %s", err)
		}
	}
	return env.Stream, env.Rank, data, env.EOF, nil
}
