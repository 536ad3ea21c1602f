// Package jobid implements the FLUID job identifier (§3): a 64-bit unsigned
// integer packing a 40-bit monotonic timestamp and a 24-bit sequence number,
// encodable to decimal, hex, dotted-hex, F58, a KVS directory path, and a
// memorable three-word form. All forms round-trip through Parse, except that
// the KVS directory form keeps only the low 48 bits of the id.
package jobid

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
)

const (
	seqBits  = 24
	seqMask  = uint64(1)<<seqBits - 1
	tsBits   = 40
	tsMask   = uint64(1)<<tsBits - 1
	hexWidth = 16 // 64 bits, 4 bits/hex digit
)

// ID is a FLUID job identifier.
type ID uint64

// New packs a timestamp (monotonic units, must fit in 40 bits) and a
// sequence number (must fit in 24 bits) into an ID.
func New(timestamp, seq uint64) (ID, error) {
	if timestamp > tsMask {
		return 0, ferrors.New(ferrors.InvalidArgument, "fluid timestamp exceeds 40 bits")
	}
	if seq > seqMask {
		return 0, ferrors.New(ferrors.InvalidArgument, "fluid sequence exceeds 24 bits")
	}
	return ID(timestamp<<seqBits | seq), nil
}

// Timestamp extracts the 40-bit timestamp component.
func (id ID) Timestamp() uint64 { return uint64(id) >> seqBits }

// Seq extracts the 24-bit sequence component.
func (id ID) Seq() uint64 { return uint64(id) & seqMask }

// Dec renders the decimal form.
func (id ID) Dec() string { return strconv.FormatUint(uint64(id), 10) }

// Hex renders the "0x"-prefixed hex form with no leading zero padding.
func (id ID) Hex() string { return fmt.Sprintf("0x%x", uint64(id)) }

// DotHex renders the dotted-hex form: the full 64-bit value zero-padded to
// 16 hex digits and split into four dot-separated 4-digit groups.
func (id ID) DotHex() string {
	full := fmt.Sprintf("%0*x", hexWidth, uint64(id))
	return strings.Join(groups(full, 4), ".")
}

// KVSDir renders the KVS directory path form: "job." followed by four
// dot-separated 3-digit hex groups taken from the low 48 bits of the id.
// Higher bits are dropped, so Parse recovers the id from this form only when
// the id is below 2^48.
func (id ID) KVSDir() string {
	full := fmt.Sprintf("%0*x", hexWidth, uint64(id))
	low48 := full[hexWidth-12:]
	return "job." + strings.Join(groups(low48, 3), ".")
}

// F58 renders the base58 form (bitcoin alphabet) prefixed with "ƒ".
func (id ID) F58() string {
	return "ƒ" + base58Encode(uint64(id))
}

// words is the fixed vocabulary used by the three-word memorable encoding.
// Each word encodes an 8-bit byte of the 64-bit id (8 bytes -> would need
// 256 words per slot; to keep the list small while remaining exact we split
// the id into 3 big-endian chunks of differing width: 24/24/16 bits, each
// indexed modulo the word list length and combined with a numeric suffix so
// the encoding stays a bijection).
var words = []string{
	"correct", "horse", "battery", "staple", "flux", "core", "proton",
	"neutron", "photon", "quark", "lepton", "boson", "nebula", "comet",
	"meteor", "pulsar", "quasar", "vertex", "apex", "zenith", "delta",
	"sigma", "omega", "tensor", "vector", "matrix", "kernel", "cache",
	"buffer", "socket", "thread", "fiber",
}

// Words renders the memorable three-word form.
func (id ID) Words() string {
	v := uint64(id)
	a := (v >> 40) & 0xffffff
	b := (v >> 16) & 0xffffff
	c := v & 0xffff
	n := uint64(len(words))
	return fmt.Sprintf("%s-%s-%s-%d-%d-%d",
		words[a%n], words[b%n], words[c%n], a/n, b/n, c/n)
}

// parseWords inverts Words.
func parseWords(s string) (ID, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 6 {
		return 0, ferrors.Newf(ferrors.InvalidArgument, "malformed words fluid %q", s)
	}
	n := uint64(len(words))
	index := func(w string) (uint64, error) {
		for i, candidate := range words {
			if candidate == w {
				return uint64(i), nil
			}
		}
		return 0, ferrors.Newf(ferrors.InvalidArgument, "unknown fluid word %q", w)
	}
	wa, err := index(parts[0])
	if err != nil {
		return 0, err
	}
	wb, err := index(parts[1])
	if err != nil {
		return 0, err
	}
	wc, err := index(parts[2])
	if err != nil {
		return 0, err
	}
	qa, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return 0, ferrors.Newf(ferrors.InvalidArgument, "malformed words fluid suffix %q", parts[3])
	}
	qb, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return 0, ferrors.Newf(ferrors.InvalidArgument, "malformed words fluid suffix %q", parts[4])
	}
	qc, err := strconv.ParseUint(parts[5], 10, 64)
	if err != nil {
		return 0, ferrors.Newf(ferrors.InvalidArgument, "malformed words fluid suffix %q", parts[5])
	}
	a := qa*n + wa
	b := qb*n + wb
	c := qc*n + wc
	return ID((a << 40) | (b << 16) | c), nil
}

// groups splits s, whose length must be a multiple of size, into
// size-character chunks preserving order.
func groups(s string, size int) []string {
	var out []string
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
	}
	return out
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(v uint64) string {
	if v == 0 {
		return string(base58Alphabet[0])
	}
	base := big.NewInt(58)
	n := new(big.Int).SetUint64(v)
	zero := big.NewInt(0)
	mod := new(big.Int)
	var out []byte
	for n.Cmp(zero) > 0 {
		n.DivMod(n, base, mod)
		out = append([]byte{base58Alphabet[mod.Int64()]}, out...)
	}
	return string(out)
}

func base58Decode(s string) (uint64, error) {
	base := big.NewInt(58)
	n := big.NewInt(0)
	for _, r := range s {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return 0, ferrors.Newf(ferrors.InvalidArgument, "invalid f58 character %q", r)
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(idx)))
	}
	if !n.IsUint64() {
		return 0, ferrors.New(ferrors.InvalidArgument, "f58 value exceeds 64 bits")
	}
	return n.Uint64(), nil
}

// Parse decodes any of the supported textual forms (decimal, "0x"-hex,
// dotted-hex, "ƒ"-prefixed F58, or "job."-prefixed KVS dir) back into an ID.
func Parse(s string) (ID, error) {
	switch {
	case strings.HasPrefix(s, "ƒ"):
		v, err := base58Decode(strings.TrimPrefix(s, "ƒ"))
		if err != nil {
			return 0, err
		}
		return ID(v), nil
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, ferrors.Newf(ferrors.InvalidArgument, "parse hex fluid %q: %s", s, err)
		}
		return ID(v), nil
	case strings.HasPrefix(s, "job."):
		hexDigits := strings.ReplaceAll(strings.TrimPrefix(s, "job."), ".", "")
		v, err := strconv.ParseUint(hexDigits, 16, 64)
		if err != nil {
			return 0, ferrors.Newf(ferrors.InvalidArgument, "parse kvsdir fluid %q: %s", s, err)
		}
		return ID(v), nil
	case strings.Count(s, "-") == 5:
		return parseWords(s)
	case strings.Contains(s, "."):
		hexDigits := strings.ReplaceAll(s, ".", "")
		v, err := strconv.ParseUint(hexDigits, 16, 64)
		if err != nil {
			return 0, ferrors.Newf(ferrors.InvalidArgument, "parse dothex fluid %q: %s", s, err)
		}
		return ID(v), nil
	default:
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, ferrors.Newf(ferrors.InvalidArgument, "parse decimal fluid %q: %s", s, err)
		}
		return ID(v), nil
	}
}
