// Package tokenizer defines the pluggable string↔token interface spec.md
// §6 names ("Tokenizers and chat-template formatters are treated as
// pluggable string↔token converters with a fixed interface") plus one
// concrete reference implementation usable without an external model
// file: a greedy longest-match vocabulary tokenizer with byte fallback
// for any rune outside the vocabulary, so every input string is always
// encodable.
package tokenizer

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/dopplerai/doppler/internal/errs"
)

// Message is one chat turn, the unit ApplyChatTemplate formats.
type Message struct {
	Role    string
	Content string
}

// EncodeOptions controls Encode's behavior.
type EncodeOptions struct {
	// AddBOS prepends the tokenizer's beginning-of-sequence id, if any.
	AddBOS bool
}

// Tokenizer is the fixed interface spec.md §6 names: encode, decode,
// decodePiece, applyChatTemplate, and an eosId accessor.
type Tokenizer interface {
	Encode(text string, opts EncodeOptions) ([]int, error)
	Decode(ids []int) (string, error)
	DecodePiece(id int) (string, error)
	ApplyChatTemplate(messages []Message, templateKind string) (string, error)
	EOSId() (int, bool)
}

// VocabFile mirrors the on-disk tokenizer.json shape: a flat piece list
// (index == token id) plus named special ids.
type VocabFile struct {
	Pieces []string       `json:"pieces"`
	Special map[string]int `json:"special"` // e.g. "bos", "eos"
}

// VocabTokenizer is a greedy longest-prefix-match tokenizer over a fixed
// piece list, with single-byte fallback pieces (added automatically for
// any of the 256 byte values missing from the supplied vocabulary) so
// every input string is representable, per spec.md §4.10's requirement
// that tokenize never fails on well-formed UTF-8 input.
type VocabTokenizer struct {
	pieces    []string
	idOf      map[string]int
	byLenDesc []string // pieces sorted longest-first, for greedy matching
	bosID     *int
	eosID     *int
}

// ParseVocabFile decodes a tokenizer.json-shaped document into a
// VocabTokenizer, per spec.md §6's "tokenizer.json and optionally
// tokenizer.model".
func ParseVocabFile(data []byte) (*VocabTokenizer, error) {
	var vf VocabFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, errs.New(errs.InvalidManifest, "tokenizer: vocab file is not valid JSON", err)
	}
	return NewVocabTokenizer(vf.Pieces, vf.Special)
}

// NewVocabTokenizer builds a tokenizer from an explicit piece list
// (index == id) and a special-id map (recognized keys: "bos", "eos").
// Every single-byte string (0x00-0xFF as a one-rune-or-byte piece)
// missing from pieces is appended so Encode can always fall back to it.
func NewVocabTokenizer(pieces []string, special map[string]int) (*VocabTokenizer, error) {
	if len(pieces) == 0 {
		return nil, errs.New(errs.InvalidManifest, "tokenizer: vocabulary must not be empty", nil)
	}

	idOf := make(map[string]int, len(pieces)+256)
	out := append([]string(nil), pieces...)
	for i, p := range out {
		idOf[p] = i
	}
	for b := 0; b < 256; b++ {
		piece := string([]byte{byte(b)})
		if _, ok := idOf[piece]; !ok {
			idOf[piece] = len(out)
			out = append(out, piece)
		}
	}

	byLen := make([]string, 0, len(idOf))
	for p := range idOf {
		if p != "" {
			byLen = append(byLen, p)
		}
	}
	sort.Slice(byLen, func(i, j int) bool {
		if len(byLen[i]) != len(byLen[j]) {
			return len(byLen[i]) > len(byLen[j])
		}
		return byLen[i] < byLen[j]
	})

	vt := &VocabTokenizer{pieces: out, idOf: idOf, byLenDesc: byLen}
	if special != nil {
		if id, ok := special["bos"]; ok {
			vt.bosID = &id
		}
		if id, ok := special["eos"]; ok {
			vt.eosID = &id
		}
	}
	return vt, nil
}

// Encode greedily matches the longest known piece at each position,
// falling back one byte at a time (always possible, since every byte
// value has a guaranteed fallback piece).
func (v *VocabTokenizer) Encode(text string, opts EncodeOptions) ([]int, error) {
	var ids []int
	if opts.AddBOS && v.bosID != nil {
		ids = append(ids, *v.bosID)
	}

	remaining := text
	for len(remaining) > 0 {
		matched := false
		for _, piece := range v.byLenDesc {
			if len(piece) <= len(remaining) && strings.HasPrefix(remaining, piece) {
				ids = append(ids, v.idOf[piece])
				remaining = remaining[len(piece):]
				matched = true
				break
			}
		}
		if !matched {
			// Unreachable given the byte-fallback guarantee in
			// NewVocabTokenizer, but fail closed rather than loop forever.
			return nil, errs.New(errs.Corrupt, "tokenizer: no matching piece or byte fallback", nil)
		}
	}
	return ids, nil
}

// Decode concatenates each id's piece; unknown ids produce an error.
func (v *VocabTokenizer) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		piece, err := v.DecodePiece(id)
		if err != nil {
			return "", err
		}
		sb.WriteString(piece)
	}
	return sb.String(), nil
}

// DecodePiece returns the surface text for a single token id.
func (v *VocabTokenizer) DecodePiece(id int) (string, error) {
	if id < 0 || id >= len(v.pieces) {
		return "", errs.Newf(errs.ShapeMismatch, nil, "tokenizer: id %d out of range [0,%d)", id, len(v.pieces))
	}
	return v.pieces[id], nil
}

// EOSId returns the configured end-of-sequence id, if any.
func (v *VocabTokenizer) EOSId() (int, bool) {
	if v.eosID == nil {
		return 0, false
	}
	return *v.eosID, true
}

// ApplyChatTemplate formats messages per templateKind. "chatml" is the
// only format implemented; any other kind is an error rather than a
// silent best-effort guess, since chat-template mismatches are a common
// source of silent quality regressions.
func (v *VocabTokenizer) ApplyChatTemplate(messages []Message, templateKind string) (string, error) {
	switch templateKind {
	case "chatml", "":
		var sb strings.Builder
		for _, m := range messages {
			sb.WriteString("<|im_start|>")
			sb.WriteString(m.Role)
			sb.WriteByte('\n')
			sb.WriteString(m.Content)
			sb.WriteString("<|im_end|>\n")
		}
		sb.WriteString("<|im_start|>assistant\n")
		return sb.String(), nil
	default:
		return "", errs.Newf(errs.UnsupportedArchitecture, nil, "tokenizer: unknown chat template kind %q", templateKind)
	}
}
