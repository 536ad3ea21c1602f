// Package eventlog implements the line-delimited JSON eventlog codec (§4.A)
// and the batching EventLogger (§4.B) that sits on top of it.
package eventlog

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"time"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/log"
)

var logger = log.New(os.Stdout, "eventlog")

// Entry is a single eventlog event: a monotonic UTC timestamp, a non-empty
// name without whitespace or newlines, and an optional JSON object context.
type Entry struct {
	Timestamp float64         `json:"timestamp"`
	Name      string          `json:"name"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// BuildEntry constructs an Entry. If ts is 0.0, the current wall-clock time
// (seconds as a float64) is substituted. context, if non-nil, is copied.
func BuildEntry(ts float64, name string, context json.RawMessage) Entry {
	if ts == 0.0 {
		ts = float64(time.Now().UnixNano()) / 1e9
	}
	var ctxCopy json.RawMessage
	if context != nil {
		ctxCopy = append(json.RawMessage(nil), context...)
	}
	return Entry{Timestamp: ts, Name: name, Context: ctxCopy}
}

// EncodeEntry renders entry as compact JSON terminated by a single '\n'.
func EncodeEntry(entry Entry) ([]byte, error) {
	if entry.Name == "" {
		return nil, ferrors.New(ferrors.InvalidArgument, "event name empty")
	}
	if strings.ContainsAny(entry.Name, " \t\n\r") {
		return nil, ferrors.New(ferrors.InvalidArgument, "event name contains whitespace or newline")
	}
	if entry.Context != nil && !isJSONObject(entry.Context) {
		return nil, ferrors.New(ferrors.InvalidArgument, "event context must be a JSON object")
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return nil, ferrors.Newf(ferrors.InvalidArgument, "marshal entry: %s", err)
	}
	b = append(b, '\n')
	return b, nil
}

// DecodeEntry parses a single encoded entry. b must contain exactly one
// trailing '\n' and no embedded newlines.
func DecodeEntry(b []byte) (Entry, error) {
	if len(b) == 0 || b[len(b)-1] != '\n' {
		return Entry{}, ferrors.New(ferrors.InvalidArgument, "entry missing trailing newline")
	}
	line := b[:len(b)-1]
	if bytes.IndexByte(line, '\n') != -1 {
		return Entry{}, ferrors.New(ferrors.InvalidArgument, "entry contains embedded newline")
	}

	var entry Entry
	if err := json.Unmarshal(line, &entry); err != nil {
		return Entry{}, ferrors.Newf(ferrors.InvalidArgument, "unmarshal entry: %s", err)
	}
	if entry.Name == "" {
		return Entry{}, ferrors.New(ferrors.InvalidArgument, "event name empty")
	}
	if strings.ContainsAny(entry.Name, " \t\n\r") {
		return Entry{}, ferrors.New(ferrors.InvalidArgument, "event name contains whitespace or newline")
	}
	if entry.Context != nil && !isJSONObject(entry.Context) {
		return Entry{}, ferrors.New(ferrors.InvalidArgument, "event context must be a JSON object")
	}
	return entry, nil
}

// EncodeLog encodes a sequence of entries into the on-disk/in-KVS byte
// representation: zero or more encoded entries concatenated. An empty slice
// yields an empty byte string, never "\n".
func EncodeLog(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, entry := range entries {
		b, err := EncodeEntry(entry)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// DecodeLog splits b on '\n' and decodes every resulting line. An empty
// byte string decodes to an empty (nil) slice. Any malformed line fails the
// whole decode.
func DecodeLog(b []byte) ([]Entry, error) {
	if len(b) == 0 {
		return nil, nil
	}

	lines := bytes.Split(bytes.TrimSuffix(b, []byte{'\n'}), []byte{'\n'})
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		entry, err := DecodeEntry(append(append([]byte(nil), line...), '\n'))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
