package jobinfo

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/eventlog"
)

// DrainOverwrite selects svc.drain's conflict policy.
type DrainOverwrite int

const (
	// DrainOverwriteIfAbsent accepts the drain only if the rank is not
	// already drained, unless the existing entry or the new drain carries
	// no reason.
	DrainOverwriteIfAbsent DrainOverwrite = 0
	// DrainOverwriteAlways replaces any existing drain reason.
	DrainOverwriteAlways DrainOverwrite = 1
	// DrainOverwriteAppend appends the reason to the existing one.
	DrainOverwriteAppend DrainOverwrite = 2
)

// DrainEntry records why and when a rank was drained.
type DrainEntry struct {
	Timestamp float64 `json:"timestamp"`
	Reason    string  `json:"reason"`
}

// Truncator folds a prefix of a resource eventlog into a single snapshot.
type Truncator struct {
	online           map[int]bool
	torpid           map[int]bool
	drainset         map[int]DrainEntry
	discoveryMethod  string
	ranks            string
	nodelist         []string
}

// NewTruncator constructs an empty Truncator.
func NewTruncator() *Truncator {
	return &Truncator{
		online:   make(map[int]bool),
		torpid:   make(map[int]bool),
		drainset: make(map[int]DrainEntry),
	}
}

// Apply folds one resource eventlog entry into the accumulated state.
func (t *Truncator) Apply(entry eventlog.Entry) error {
	var ctx map[string]interface{}
	if len(entry.Context) > 0 {
		if err := json.Unmarshal(entry.Context, &ctx); err != nil {
			return ferrors.Wrapf(err, "decode %s context", entry.Name)
		}
	}

	switch entry.Name {
	case "restart":
		t.online = make(map[int]bool)
		t.torpid = make(map[int]bool)
		t.drainset = make(map[int]DrainEntry)
		for _, r := range idsetField(ctx, "online") {
			t.online[r] = true
		}

	case "online":
		for _, r := range idsetField(ctx, "idset") {
			t.online[r] = true
		}
	case "torpid":
		for _, r := range idsetField(ctx, "idset") {
			t.torpid[r] = true
		}
	case "offline":
		for _, r := range idsetField(ctx, "idset") {
			delete(t.online, r)
		}
	case "lively":
		for _, r := range idsetField(ctx, "idset") {
			delete(t.torpid, r)
		}

	case "drain":
		overwrite := DrainOverwriteIfAbsent
		if v, ok := ctx["overwrite"].(float64); ok {
			overwrite = DrainOverwrite(int(v))
		}
		reason, _ := ctx["reason"].(string)
		ts := entry.Timestamp
		for _, r := range idsetField(ctx, "idset") {
			existing, drained := t.drainset[r]
			switch overwrite {
			case DrainOverwriteIfAbsent:
				if drained && existing.Reason != "" && reason != "" {
					continue
				}
				t.drainset[r] = DrainEntry{Timestamp: ts, Reason: reason}
			case DrainOverwriteAlways:
				t.drainset[r] = DrainEntry{Timestamp: ts, Reason: reason}
			case DrainOverwriteAppend:
				if drained && existing.Reason != "" && reason != "" {
					reason = existing.Reason + "; " + reason
				}
				t.drainset[r] = DrainEntry{Timestamp: ts, Reason: reason}
			}
		}

	case "undrain":
		for _, r := range idsetField(ctx, "idset") {
			delete(t.drainset, r)
		}

	case "resource-define":
		if method, ok := ctx["discovery-method"].(string); ok {
			t.discoveryMethod = method
		}
		if nodelist, ok := ctx["nodelist"].([]interface{}); ok {
			t.nodelist = t.nodelist[:0]
			for _, n := range nodelist {
				if s, ok := n.(string); ok {
					t.nodelist = append(t.nodelist, s)
				}
			}
		}

	case "truncate":
		t.replaceFromContext(ctx)
	}

	return nil
}

func (t *Truncator) replaceFromContext(ctx map[string]interface{}) {
	t.online = idsetMap(ctx["online"])
	t.torpid = idsetMap(ctx["torpid"])
	t.drainset = make(map[int]DrainEntry)
	if drain, ok := ctx["drain"].(map[string]interface{}); ok {
		for rankStr, v := range drain {
			rank, err := strconv.Atoi(rankStr)
			if err != nil {
				continue
			}
			entryMap, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			ts, _ := entryMap["timestamp"].(float64)
			reason, _ := entryMap["reason"].(string)
			t.drainset[rank] = DrainEntry{Timestamp: ts, Reason: reason}
		}
	}
	if method, ok := ctx["discovery-method"].(string); ok {
		t.discoveryMethod = method
	}
}

func idsetMap(v interface{}) map[int]bool {
	out := make(map[int]bool)
	if s, ok := v.(string); ok {
		for _, r := range parseRanks(s) {
			out[r] = true
		}
	}
	return out
}

// Snapshot renders the accumulated state as a single "truncate" entry.
func (t *Truncator) Snapshot(ts float64) (eventlog.Entry, error) {
	drain := make(map[string]DrainEntry, len(t.drainset))
	for rank, entry := range t.drainset {
		drain[strconv.Itoa(rank)] = entry
	}

	ctx := map[string]interface{}{
		"online":   encodeRanks(t.online),
		"torpid":   encodeRanks(t.torpid),
		"drain":    drain,
		"ranks":    t.ranks,
		"nodelist": t.nodelist,
	}
	if t.discoveryMethod != "" {
		ctx["discovery-method"] = t.discoveryMethod
	}

	b, err := json.Marshal(ctx)
	if err != nil {
		return eventlog.Entry{}, ferrors.Wrapf(err, "marshal truncate context")
	}
	return eventlog.BuildEntry(ts, "truncate", b), nil
}

func idsetField(ctx map[string]interface{}, key string) []int {
	s, ok := ctx[key].(string)
	if !ok {
		return nil
	}
	return parseRanks(s)
}

// parseRanks parses an idset string ("0-3,8") into individual ranks.
func parseRanks(s string) []int {
	var out []int
	for _, tok := range strings.Split(strings.TrimSpace(s), ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if dash := strings.IndexByte(tok, '-'); dash > 0 {
			lo, err1 := strconv.Atoi(tok[:dash])
			hi, err2 := strconv.Atoi(tok[dash+1:])
			if err1 != nil || err2 != nil {
				continue
			}
			for i := lo; i <= hi; i++ {
				out = append(out, i)
			}
			continue
		}
		if v, err := strconv.Atoi(tok); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// encodeRanks renders a rank set as a folded idset string.
func encodeRanks(set map[int]bool) string {
	ranks := make([]int, 0, len(set))
	for r := range set {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)

	var parts []string
	i := 0
	for i < len(ranks) {
		j := i
		for j+1 < len(ranks) && ranks[j+1] == ranks[j]+1 {
			j++
		}
		if j > i {
			parts = append(parts, strconv.Itoa(ranks[i])+"-"+strconv.Itoa(ranks[j]))
		} else {
			parts = append(parts, strconv.Itoa(ranks[i]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
