// SPDX-License-Identifier: GPL-3.0-or-later

// Package version implements parsing and total ordering of Debian-style
// version strings: an epoch, an upstream part, and an optional revision.
package version

import (
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Ordering is the result of comparing two versions.
type Ordering int

const (
	Less Ordering = iota - 1
	Equal
	Greater
)

// ErrorKind identifies why Parse rejected a version string.
type ErrorKind int

const (
	ErrEmptyEpoch ErrorKind = iota
	ErrNonDecimalEpoch
	ErrOverflowEpoch
	ErrEmptyRevision
	ErrMissingLeadingDigit
	ErrInvalidCharacter
)

func (k ErrorKind) String() string {
	switch k {
	case ErrEmptyEpoch:
		return "empty-epoch"
	case ErrNonDecimalEpoch:
		return "non-decimal-epoch"
	case ErrOverflowEpoch:
		return "overflow-epoch"
	case ErrEmptyRevision:
		return "empty-revision"
	case ErrMissingLeadingDigit:
		return "missing-leading-digit"
	case ErrInvalidCharacter:
		return "invalid-character"
	default:
		return "unknown"
	}
}

// ParseError reports a version parsing failure together with the kind of
// rule that was violated.
type ParseError struct {
	Kind  ErrorKind
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Input, e.Kind)
}

// Version is a parsed Debian-style version: epoch, upstream, revision.
type Version struct {
	Epoch    uint64
	Upstream string
	Revision string
}

// segment is one (non-digit run, digit run) cycle of a version part. A
// string decomposes into a sequence of segments; the non-digit run may be
// empty (if the string starts with a digit) and the digit run may be zero
// (if the string ends on a non-digit run, e.g. the trailing "." in "1.").
type segment struct {
	text   string
	number uint64
}

const maxEpoch = 1<<63 - 1

var parseCache *lru.Cache[string, parseResult]

type parseResult struct {
	v   Version
	err error
}

func init() {
	// Repeated parses of the same version string are common while the
	// installer planner enumerates dependency trees (spec.md §4.F step 11);
	// memoize them.
	c, err := lru.New[string, parseResult](4096)
	if err != nil {
		panic(err)
	}
	parseCache = c
}

// Parse parses a version string into epoch/upstream/revision form.
// Letters are case-folded and ';' is accepted as an alternate spelling of
// ':' for filesystem portability, per spec.md §3.
func Parse(s string) (Version, error) {
	if cached, ok := parseCache.Get(s); ok {
		return cached.v, cached.err
	}
	v, err := parse(s)
	parseCache.Add(s, parseResult{v, err})
	return v, err
}

func parse(s string) (Version, error) {
	raw := s
	folded := strings.ToLower(strings.ReplaceAll(s, ";", ":"))

	var v Version
	rest := folded

	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		epochStr := rest[:idx]
		rest = rest[idx+1:]
		if epochStr == "" {
			return Version{}, &ParseError{ErrEmptyEpoch, raw}
		}
		for _, c := range epochStr {
			if c < '0' || c > '9' {
				return Version{}, &ParseError{ErrNonDecimalEpoch, raw}
			}
		}
		n, err := strconv.ParseUint(epochStr, 10, 64)
		if err != nil || n > maxEpoch {
			return Version{}, &ParseError{ErrOverflowEpoch, raw}
		}
		v.Epoch = n
	}

	upstream := rest
	revision := ""
	if idx := strings.LastIndexByte(rest, '-'); idx >= 0 {
		upstream = rest[:idx]
		revision = rest[idx+1:]
		if revision == "" {
			return Version{}, &ParseError{ErrEmptyRevision, raw}
		}
	}

	if upstream == "" || !isDigit(upstream[0]) {
		return Version{}, &ParseError{ErrMissingLeadingDigit, raw}
	}
	if !validRun(upstream, true) {
		return Version{}, &ParseError{ErrInvalidCharacter, raw}
	}
	if revision != "" && !validRun(revision, false) {
		return Version{}, &ParseError{ErrInvalidCharacter, raw}
	}

	v.Upstream = upstream
	v.Revision = revision
	return v, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// validRun checks that every non-digit character belongs to the allowed
// character set for upstream ('.', '+', '-', '~', ':' — colon only in
// upstream) or revision ('.', '+', '-', '~').
func validRun(s string, upstreamPart bool) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isDigit(c) {
			continue
		}
		if c >= 'a' && c <= 'z' {
			continue
		}
		switch c {
		case '.', '+', '-', '~':
			continue
		case ':':
			if upstreamPart {
				continue
			}
			return false
		}
		return false
	}
	return true
}

// splitParts decomposes a run into a sequence of (non-digit, digit)
// segments, per spec.md §3/§4.A.
func splitParts(s string) []segment {
	var segs []segment
	i := 0
	for i < len(s) {
		start := i
		for i < len(s) && !isDigit(s[i]) {
			i++
		}
		text := s[start:i]

		start = i
		for i < len(s) && isDigit(s[i]) {
			i++
		}
		var n uint64
		if start < i {
			n, _ = strconv.ParseUint(s[start:i], 10, 64)
		}
		segs = append(segs, segment{text: text, number: n})
	}
	return segs
}

// charOrder implements the ordering of non-digit characters: '~' sorts
// before end-of-string, which sorts before letters, which sort before any
// other allowed symbol.
func charOrder(c byte, end bool) int {
	if end {
		return 1
	}
	if c == '~' {
		return 0
	}
	if c >= 'a' && c <= 'z' {
		return 2 + int(c)
	}
	// '.', '+', '-', ':' etc
	return 2 + 256 + int(c)
}

// compareNonDigit compares two non-digit runs character by character using
// the ordering defined by charOrder, treating a run's end as a sentinel
// that sorts just after '~' and before actual letters.
func compareNonDigit(a, b string) int {
	for i := 0; ; i++ {
		var ca, cb byte
		aEnd := i >= len(a)
		bEnd := i >= len(b)
		if aEnd && bEnd {
			return 0
		}
		if !aEnd {
			ca = a[i]
		}
		if !bEnd {
			cb = b[i]
		}
		oa := charOrder(ca, aEnd)
		ob := charOrder(cb, bEnd)
		if oa != ob {
			if oa < ob {
				return -1
			}
			return 1
		}
		if aEnd || bEnd {
			continue
		}
	}
}

// isZeroEquivalent reports whether a non-digit run compares equal to zero:
// empty string or a lone ".", per spec.md §4.A.
func isZeroEquivalent(text string) bool {
	return text == "" || text == "."
}

var zeroSegment = segment{}

// compareParts zero-pads the shorter segment list and compares pairwise: a
// segment's non-digit run compares equal to zero if it is "" or ".", so two
// segment lists that differ only in such trailing zero segments are equal.
func compareParts(a, b []segment) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sa, sb := zeroSegment, zeroSegment
		if i < len(a) {
			sa = a[i]
		}
		if i < len(b) {
			sb = b[i]
		}

		aZero := isZeroEquivalent(sa.text)
		bZero := isZeroEquivalent(sb.text)
		if !(aZero && bZero) {
			if c := compareNonDigit(sa.text, sb.text); c != 0 {
				return c
			}
		}

		if sa.number < sb.number {
			return -1
		}
		if sa.number > sb.number {
			return 1
		}
	}
	return 0
}

// Compare implements the total order over versions: epoch first, then
// upstream parts pairwise (shorter list zero-padded), then revision parts.
func Compare(a, b Version) Ordering {
	if a.Epoch != b.Epoch {
		if a.Epoch < b.Epoch {
			return Less
		}
		return Greater
	}
	if c := compareParts(splitParts(a.Upstream), splitParts(b.Upstream)); c != 0 {
		return ord(c)
	}
	if c := compareParts(splitParts(a.Revision), splitParts(b.Revision)); c != 0 {
		return ord(c)
	}
	return Equal
}

func ord(c int) Ordering {
	if c < 0 {
		return Less
	}
	if c > 0 {
		return Greater
	}
	return Equal
}

// String renders the canonical form: the epoch is omitted when 0 unless a
// colon appears elsewhere in the upstream part, a "-0" revision is dropped,
// and every trailing ".0" on the upstream part is stripped.
func (v Version) String() string {
	upstream := v.Upstream
	for len(upstream) > 2 && strings.HasSuffix(upstream, ".0") {
		upstream = strings.TrimSuffix(upstream, ".0")
	}

	var b strings.Builder
	if v.Epoch != 0 || strings.Contains(upstream, ":") {
		fmt.Fprintf(&b, "%d:", v.Epoch)
	}
	b.WriteString(upstream)

	rev := v.Revision
	if rev != "" && rev != "0" {
		b.WriteByte('-')
		b.WriteString(rev)
	}
	return b.String()
}

// Satisfies reports whether v satisfies "OP other" for the relational
// operators used by dependency atoms: "<<", "<=", "=", ">=", ">>".
func Satisfies(v Version, op string, other Version) (bool, error) {
	c := Compare(v, other)
	switch op {
	case "<<":
		return c == Less, nil
	case "<=":
		return c == Less || c == Equal, nil
	case "=":
		return c == Equal, nil
	case ">=":
		return c == Greater || c == Equal, nil
	case ">>":
		return c == Greater, nil
	default:
		return false, fmt.Errorf("unsupported version relational operator %q", op)
	}
}
