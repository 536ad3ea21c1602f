// Package rpcsvc exposes the job-info and subprocess RPCs (§6) over
// google.golang.org/grpc using a hand-built service description and a JSON
// wire codec, instead of protoc-generated stubs: every message below is a
// plain Go struct encoded with encoding/json, the same representation the
// rest of this codebase already uses for eventlog/ioencode payloads.
package rpcsvc

import (
	"encoding/json"
)

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json so hand-written ServiceDesc methods can exchange plain Go
// structs without a .proto/protoc step.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
