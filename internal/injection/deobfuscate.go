package injection

import (
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Encoding names the transform that produced a Candidate.
type Encoding string

const (
	EncBase64    Encoding = "base64"
	EncBase64URL Encoding = "base64url"
	EncHex       Encoding = "hex"
	EncURL       Encoding = "url"
	EncUnicode   Encoding = "unicode"
	EncLeet      Encoding = "leetspeak"
	EncSpaced    Encoding = "spaced"
)

// Candidate is one decoded view of a substring of the input. Decoded may
// hold sensitive content and must not be logged. Partial marks a printable
// stretch recovered from a decode whose other bytes were not text.
type Candidate struct {
	Encoding Encoding `json:"encoding"`
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Decoded  string   `json:"-"`
	Partial  bool     `json:"partial,omitempty"`
}

const (
	maxCandidates  = 256
	minPrintable   = 0.85
	minDecodedSize = 4
	// minSegment is the shortest base64 piece tried, and the shortest
	// printable stretch kept from a partly printable decode.
	minSegment = 8
)

var (
	base64Re  = regexp.MustCompile(`[A-Za-z0-9+/_-]{12,}={0,2}`)
	hexRe     = regexp.MustCompile(`(?:0[xX])?(?:[0-9a-fA-F]{2}){6,}`)
	hexEscRe  = regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2}){4,}`)
	urlEscRe  = regexp.MustCompile(`%[0-9a-fA-F]{2}`)
	leetRe    = regexp.MustCompile(`[A-Za-z0-9]*[A-Za-z][A-Za-z0-9]*`)
	spacedRe  = regexp.MustCompile(`(?:\b[A-Za-z][ ._]){3,}[A-Za-z]\b`)
	spacerRe  = regexp.MustCompile(`[ ._]`)
	leetDigit = strings.NewReplacer("0", "o", "1", "i", "3", "e", "4", "a", "5", "s", "7", "t")
)

// invisible runes stripped during unicode normalization.
var invisible = map[rune]bool{
	'\u200b': true, '\u200c': true, '\u200d': true, '\u2060': true,
	'\ufeff': true, '\u00ad': true, '\u180e': true,
}

// Deobfuscate extracts encoded substrings from input and decodes each one
// exactly once. Decoded output is never fed back through Deobfuscate, so
// nested encodings cost a single pass. A candidate is kept only when its
// decoded bytes are mostly printable text and differ from the source.
func Deobfuscate(input string) []Candidate {
	var out []Candidate
	add := func(c Candidate) bool {
		if len(out) >= maxCandidates {
			return false
		}
		out = append(out, c)
		return true
	}

	seen := make(map[string]bool)
	for _, loc := range base64Re.FindAllStringIndex(input, -1) {
		for _, c := range decodeBase64Run(input[loc[0]:loc[1]], loc[0]) {
			if seen[c.Decoded] {
				continue
			}
			seen[c.Decoded] = true
			if !add(c) {
				return out
			}
		}
	}

	for _, loc := range hexRe.FindAllStringIndex(input, -1) {
		s := input[loc[0]:loc[1]]
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		if b, err := hex.DecodeString(s); err == nil && printable(b) {
			if !add(Candidate{Encoding: EncHex, Start: loc[0], End: loc[1], Decoded: string(b)}) {
				return out
			}
		}
	}

	for _, loc := range hexEscRe.FindAllStringIndex(input, -1) {
		s := strings.ReplaceAll(input[loc[0]:loc[1]], `\x`, "")
		if b, err := hex.DecodeString(s); err == nil && printable(b) {
			if !add(Candidate{Encoding: EncHex, Start: loc[0], End: loc[1], Decoded: string(b)}) {
				return out
			}
		}
	}

	if urlEscRe.MatchString(input) {
		decoded := urlEscRe.ReplaceAllStringFunc(input, func(esc string) string {
			n, _ := strconv.ParseUint(esc[1:], 16, 8)
			return string([]byte{byte(n)})
		})
		decoded = strings.ReplaceAll(decoded, "+", " ")
		if decoded != input && printable([]byte(decoded)) {
			if !add(Candidate{Encoding: EncURL, Start: 0, End: len(input), Decoded: decoded}) {
				return out
			}
		}
	}

	if n := normalizeUnicode(input); n != input {
		if !add(Candidate{Encoding: EncUnicode, Start: 0, End: len(input), Decoded: n}) {
			return out
		}
	}

	if l := unleet(input); l != input {
		if !add(Candidate{Encoding: EncLeet, Start: 0, End: len(input), Decoded: l}) {
			return out
		}
	}

	if spacedRe.MatchString(input) {
		joined := spacedRe.ReplaceAllStringFunc(input, func(seg string) string {
			return spacerRe.ReplaceAllString(seg, "")
		})
		add(Candidate{Encoding: EncSpaced, Start: 0, End: len(input), Decoded: joined})
	}

	return out
}

// b64Piece is a substring of a base64-looking run decoded with one alphabet.
type b64Piece struct {
	start, end int
	enc        *base64.Encoding
	name       Encoding
}

// decodeBase64Run decodes one run of base64-alphabet characters found at
// offset base in the input. A run may carry a glued prefix ("id-", "x_",
// "user42") that shifts the 4-character alignment or mixes in the other
// alphabet's symbols, so the run is tried whole with each alphabet that
// fits, split on each alphabet's foreign symbols, and at all four start
// alignments. Every attempt is a single decode of input bytes.
func decodeBase64Run(run string, base int) []Candidate {
	run = strings.TrimRight(run, "=")
	std := base64.StdEncoding.WithPadding(base64.NoPadding)
	url := base64.URLEncoding.WithPadding(base64.NoPadding)

	var pieces []b64Piece
	hasURL, hasStd := strings.ContainsAny(run, "-_"), strings.ContainsAny(run, "+/")
	if !hasURL {
		pieces = append(pieces, b64Piece{0, len(run), std, EncBase64})
	}
	if hasURL && !hasStd {
		pieces = append(pieces, b64Piece{0, len(run), url, EncBase64URL})
	}
	if hasURL {
		pieces = append(pieces, segments(run, "-_", std, EncBase64)...)
	}
	if hasURL && hasStd {
		pieces = append(pieces, segments(run, "+/", url, EncBase64URL)...)
	}

	var out []Candidate
	for _, pc := range pieces {
		for k := 0; k < 4; k++ {
			start := pc.start + k
			if pc.end-start < minSegment {
				break
			}
			b, ok := decodeAligned(pc.enc, run[start:pc.end])
			if !ok {
				continue
			}
			if printable(b) {
				out = append(out, Candidate{Encoding: pc.name, Start: base + start, End: base + pc.end, Decoded: string(b)})
				continue
			}
			for _, frag := range printableRuns(b, minSegment) {
				out = append(out, Candidate{Encoding: pc.name, Start: base + start, End: base + pc.end, Decoded: frag, Partial: true})
			}
		}
	}
	return out
}

// segments splits run on any of seps, keeping parts long enough to decode.
func segments(run, seps string, enc *base64.Encoding, name Encoding) []b64Piece {
	var out []b64Piece
	start := 0
	for i := 0; i <= len(run); i++ {
		if i < len(run) && !strings.ContainsRune(seps, rune(run[i])) {
			continue
		}
		if i-start >= minSegment {
			out = append(out, b64Piece{start, i, enc, name})
		}
		start = i + 1
	}
	return out
}

// decodeAligned decodes s, dropping a trailing partial group when the run
// ends in a character that is not part of the payload.
func decodeAligned(enc *base64.Encoding, s string) ([]byte, bool) {
	if b, err := enc.DecodeString(s); err == nil {
		return b, true
	}
	if n := len(s) - len(s)%4; n > 0 && n < len(s) {
		if b, err := enc.DecodeString(s[:n]); err == nil {
			return b, true
		}
	}
	return nil, false
}

// printableRuns returns the maximal stretches of printable UTF-8 in b that
// are at least minRunes long. Bytes decoded from a glued prefix surround
// the payload with junk; the payload survives as one stretch.
func printableRuns(b []byte, minRunes int) []string {
	var out []string
	runStart, runes := -1, 0
	flush := func(end int) {
		if runStart >= 0 && runes >= minRunes {
			out = append(out, string(b[runStart:end]))
		}
		runStart, runes = -1, 0
	}
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if (r == utf8.RuneError && size == 1) || !(unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r') {
			flush(i)
			i += size
			continue
		}
		if runStart < 0 {
			runStart = i
		}
		runes++
		i += size
	}
	flush(len(b))
	return out
}

// printable reports whether b is valid UTF-8 made mostly of printable runes.
func printable(b []byte) bool {
	if len(b) < minDecodedSize || !utf8.Valid(b) {
		return false
	}
	total, ok := 0, 0
	for _, r := range string(b) {
		total++
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r' {
			ok++
		}
	}
	return float64(ok)/float64(total) >= minPrintable
}

func normalizeUnicode(s string) string {
	s = norm.NFKC.String(s)
	return strings.Map(func(r rune) rune {
		if invisible[r] {
			return -1
		}
		return r
	}, s)
}

// unleet rewrites only words that mix letters with leet substitutes, so
// ordinary numbers are left alone.
func unleet(s string) string {
	return leetRe.ReplaceAllStringFunc(s, func(w string) string {
		if isHex(w) {
			return w
		}
		// Trailing digits ("sha256", "v2") are version-like, not substitutions.
		head := strings.TrimRightFunc(w, unicode.IsDigit)
		if !strings.ContainsAny(head, "013457") {
			return w
		}
		return strings.ToLower(leetDigit.Replace(w))
	})
}

func isHex(w string) bool {
	for _, r := range w {
		if !unicode.Is(unicode.ASCII_Hex_Digit, r) {
			return false
		}
	}
	return true
}
