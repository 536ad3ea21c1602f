// Package taskmap implements the node<->task mapping (§4.C): a compact
// vector-of-blocks representation plus the internal-JSON, RAW,
// RAW_DERANGED, PMI, and MULTILINE wire encodings.
package taskmap

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
)

// Block is one run of the taskmap: Repeat consecutive rounds, each assigning
// Ppn tasks to every one of Nnodes nodes starting at Nodeid, tasks numbered
// in round-robin order across rounds (round r, node n, local index i maps to
// global task id (r*Nnodes+n)*Ppn+i, offset by every earlier block's task
// count).
type Block struct {
	Nodeid int
	Nnodes int
	Ppn    int
	Repeat int
}

func (b Block) ntasks() int { return b.Nnodes * b.Ppn * b.Repeat }

// Map is a taskmap: an ordered vector of blocks.
type Map struct {
	Blocks []Block
}

// New returns an empty Map.
func New() *Map { return &Map{} }

// Append adds nnodes nodes starting at node, each running nppn tasks. If the
// trailing block already describes the identical (node, nnodes, nppn)
// triple, its repeat count is incremented instead of appending a new block
// -- this is how round-robin (cyclic) distributions are built, one round at
// a time.
func (m *Map) Append(node, nnodes, nppn int) {
	if n := len(m.Blocks); n > 0 {
		last := &m.Blocks[n-1]
		if last.Nodeid == node && last.Nnodes == nnodes && last.Ppn == nppn {
			last.Repeat++
			return
		}
	}
	m.Blocks = append(m.Blocks, Block{Nodeid: node, Nnodes: nnodes, Ppn: nppn, Repeat: 1})
}

// TotalNtasks returns the total number of tasks described by m.
func (m *Map) TotalNtasks() int {
	total := 0
	for _, b := range m.Blocks {
		total += b.ntasks()
	}
	return total
}

// Nnodes returns the total number of distinct nodes described by m.
func (m *Map) Nnodes() int {
	total := 0
	for _, b := range m.Blocks {
		if end := b.Nodeid + b.Nnodes; end > total {
			total = end
		}
	}
	return total
}

// NodeID returns the node id running global task t, or an error if t is out
// of range.
func (m *Map) NodeID(t int) (int, error) {
	start := 0
	for _, b := range m.Blocks {
		n := b.ntasks()
		if t < start+n {
			local := t - start
			q := local / b.Ppn
			node := q % b.Nnodes
			return b.Nodeid + node, nil
		}
		start += n
	}
	return 0, ferrors.Newf(ferrors.InvalidArgument, "taskid %d out of range [0,%d)", t, start)
}

// Check reports whether a and b describe an equivalent node<->task mapping:
// identical total task count, identical node count, and an identical
// nodeid(t) function for every valid t. A plugin may only replace a job's
// taskmap with one that passes Check against the original.
func Check(a, b *Map) bool {
	if a.TotalNtasks() != b.TotalNtasks() || a.Nnodes() != b.Nnodes() {
		return false
	}
	for t := 0; t < a.TotalNtasks(); t++ {
		na, errA := a.NodeID(t)
		nb, errB := b.NodeID(t)
		if errA != nil || errB != nil || na != nb {
			return false
		}
	}
	return true
}

// nodeTasks computes, for every node in order, the ascending list of global
// task ids it runs.
func (m *Map) nodeTasks() [][]int {
	nodes := make([][]int, m.Nnodes())
	start := 0
	for _, b := range m.Blocks {
		for r := 0; r < b.Repeat; r++ {
			for n := 0; n < b.Nnodes; n++ {
				for i := 0; i < b.Ppn; i++ {
					t := start + (r*b.Nnodes+n)*b.Ppn + i
					node := b.Nodeid + n
					nodes[node] = append(nodes[node], t)
				}
			}
		}
		start += b.ntasks()
	}
	return nodes
}

// --- internal JSON encoding ---

// EncodeJSON renders m as an array of [nodeid,nnodes,ppn,repeat] tuples.
func EncodeJSON(m *Map) ([]byte, error) {
	tuples := make([][4]int, len(m.Blocks))
	for i, b := range m.Blocks {
		tuples[i] = [4]int{b.Nodeid, b.Nnodes, b.Ppn, b.Repeat}
	}
	return json.Marshal(tuples)
}

// DecodeJSON parses the internal JSON array-of-4-tuples form.
func DecodeJSON(b []byte) (*Map, error) {
	var tuples [][4]int
	if err := json.Unmarshal(b, &tuples); err != nil {
		return nil, ferrors.Newf(ferrors.InvalidArgument, "decode taskmap json: %s", err)
	}
	m := New()
	for _, t := range tuples {
		m.Blocks = append(m.Blocks, Block{Nodeid: t[0], Nnodes: t[1], Ppn: t[2], Repeat: t[3]})
	}
	return m, nil
}

// --- RAW / RAW_DERANGED encoding ---

// EncodeRaw renders m as ';'-separated per-node idsets with contiguous runs
// folded into "a-b" ranges.
func EncodeRaw(m *Map) string {
	return encodeRawSep(m, ";", true)
}

// EncodeRawDeranged renders m the same as EncodeRaw but with range folding
// disabled; every id is listed individually.
func EncodeRawDeranged(m *Map) string {
	return encodeRawSep(m, ";", false)
}

// EncodeMultiline renders m as one idset per line (newline-separated rather
// than ';'-separated), with range folding.
func EncodeMultiline(m *Map) string {
	return encodeRawSep(m, "\n", true)
}

func encodeRawSep(m *Map, sep string, fold bool) string {
	nodes := m.nodeTasks()
	parts := make([]string, len(nodes))
	for i, ids := range nodes {
		if fold {
			parts[i] = encodeIdset(ids)
		} else {
			parts[i] = encodeIdsetDeranged(ids)
		}
	}
	return strings.Join(parts, sep)
}

// DecodeRaw parses the ';'-separated idset form. Task ids across every
// idset must cover exactly [0, total) with no duplicates or gaps.
func DecodeRaw(s string) (*Map, error) {
	return decodeRawSep(s, ";")
}

// DecodeMultiline parses the newline-separated idset form.
func DecodeMultiline(s string) (*Map, error) {
	return decodeRawSep(s, "\n")
}

func decodeRawSep(s string, sep string) (*Map, error) {
	var fields []string
	if s == "" {
		fields = nil
	} else {
		fields = strings.Split(s, sep)
	}

	nodeOf := map[int]int{}
	total := 0
	for node, field := range fields {
		ids, err := parseIdset(field)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, dup := nodeOf[id]; dup {
				return nil, ferrors.Newf(ferrors.InvalidArgument, "taskid %d assigned to more than one node", id)
			}
			nodeOf[id] = node
			total++
		}
	}

	for t := 0; t < total; t++ {
		if _, ok := nodeOf[t]; !ok {
			return nil, ferrors.Newf(ferrors.InvalidArgument, "taskmap missing coverage for taskid %d", t)
		}
	}
	for id := range nodeOf {
		if id < 0 || id >= total {
			return nil, ferrors.Newf(ferrors.InvalidArgument, "taskid %d outside coverage range [0,%d)", id, total)
		}
	}

	m := New()
	for t := 0; t < total; t++ {
		m.Append(nodeOf[t], 1, 1)
	}
	return m, nil
}

// parseIdset parses a comma-separated idset field: each token is either a
// bare non-negative integer or an ascending "a-b" range.
func parseIdset(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var ids []int
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if dash := strings.IndexByte(tok, '-'); dash > 0 {
			lo, err := strconv.Atoi(tok[:dash])
			if err != nil {
				return nil, ferrors.Newf(ferrors.InvalidArgument, "malformed idset range %q", tok)
			}
			hi, err := strconv.Atoi(tok[dash+1:])
			if err != nil || hi < lo {
				return nil, ferrors.Newf(ferrors.InvalidArgument, "malformed idset range %q", tok)
			}
			for i := lo; i <= hi; i++ {
				ids = append(ids, i)
			}
			continue
		}
		v, err := strconv.Atoi(tok)
		if err != nil || v < 0 {
			return nil, ferrors.Newf(ferrors.InvalidArgument, "malformed idset member %q", tok)
		}
		ids = append(ids, v)
	}
	return ids, nil
}

func encodeIdset(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)

	var parts []string
	i := 0
	for i < len(sorted) {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
			j++
		}
		if j > i {
			parts = append(parts, fmt.Sprintf("%d-%d", sorted[i], sorted[j]))
		} else {
			parts = append(parts, strconv.Itoa(sorted[i]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

func encodeIdsetDeranged(ids []int) string {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// --- PMI vector encoding ---

var pmiTuple = regexp.MustCompile(`\(\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*\)`)

// EncodePMI renders m in PMI_process_mapping "vector" form, unrolling every
// block's repeat count into that many consecutive identical (b,n,p) tuples.
func EncodePMI(m *Map) string {
	var tuples []string
	for _, b := range m.Blocks {
		for r := 0; r < b.Repeat; r++ {
			tuples = append(tuples, fmt.Sprintf("(%d,%d,%d)", b.Nodeid, b.Nnodes, b.Ppn))
		}
	}
	return "(vector," + strings.Join(tuples, ",") + ")"
}

// DecodePMI parses the PMI vector form, tolerant of interior whitespace.
// Consecutive identical tuples are folded back into a repeat count via
// Append's merge rule.
func DecodePMI(s string) (*Map, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "(vector,") || !strings.HasSuffix(trimmed, ")") {
		return nil, ferrors.Newf(ferrors.InvalidArgument, "malformed pmi taskmap %q", s)
	}

	matches := pmiTuple.FindAllStringSubmatch(trimmed, -1)
	if matches == nil {
		return nil, ferrors.Newf(ferrors.InvalidArgument, "no pmi vector tuples in %q", s)
	}

	m := New()
	for _, match := range matches {
		node, err1 := strconv.Atoi(match[1])
		nnodes, err2 := strconv.Atoi(match[2])
		ppn, err3 := strconv.Atoi(match[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, ferrors.Newf(ferrors.InvalidArgument, "malformed pmi tuple in %q", s)
		}
		m.Append(node, nnodes, ppn)
	}
	return m, nil
}
