package inspector

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultReplacement is the token substituted for every forbidden word.
const DefaultReplacement = "[FILTERED]"

// ErrReplacementMatches is returned when the replacement token would
// itself be matched by the word pattern, which would make rewriting
// non-idempotent.
var ErrReplacementMatches = errors.New("replacement token matches a forbidden word")

// WordFilter is an immutable, precompiled set of forbidden words.
// Matching is whole-word and case-insensitive; "bomb" matches "Bomb" and
// "BOMB." but not "bombastic" or "bombón". Word characters are Unicode
// letters, digits, marks and '_'.
type WordFilter struct {
	words       []string
	pattern     *regexp.Regexp
	replacement string
}

// NewWordFilter compiles words into a single alternation pattern. An
// empty replacement means DefaultReplacement. An empty word set yields a
// filter that never matches.
func NewWordFilter(words []string, replacement string) (*WordFilter, error) {
	if replacement == "" {
		replacement = DefaultReplacement
	}

	seen := make(map[string]struct{}, len(words))
	wf := &WordFilter{replacement: replacement}
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		key := strings.ToLower(w)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		wf.words = append(wf.words, w)
	}
	if len(wf.words) == 0 {
		return wf, nil
	}

	// Longest first so a word that prefixes another does not shadow it.
	slices.SortFunc(wf.words, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})

	quoted := make([]string, len(wf.words))
	for i, w := range wf.words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	// RE2's \b is ASCII-only, so boundaries are checked in matches.
	re, err := regexp.Compile(`(?i)(?:` + strings.Join(quoted, "|") + `)`)
	if err != nil {
		return nil, fmt.Errorf("compile word pattern: %w", err)
	}
	wf.pattern = re
	if len(wf.matches(replacement)) > 0 {
		return nil, fmt.Errorf("%w: %q", ErrReplacementMatches, replacement)
	}
	return wf, nil
}

// MustWordFilter is like NewWordFilter but panics on error.
func MustWordFilter(words []string, replacement string) *WordFilter {
	wf, err := NewWordFilter(words, replacement)
	if err != nil {
		panic(err)
	}
	return wf
}

// Replace substitutes every forbidden word in s and reports whether
// anything changed.
func (wf *WordFilter) Replace(s string) (string, bool) {
	if wf == nil || wf.pattern == nil {
		return s, false
	}
	locs := wf.matches(s)
	if len(locs) == 0 {
		return s, false
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, loc := range locs {
		b.WriteString(s[last:loc[0]])
		b.WriteString(wf.replacement)
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String(), true
}

// matches returns the byte ranges of whole-word matches in s, leftmost
// first and non-overlapping.
func (wf *WordFilter) matches(s string) [][2]int {
	var locs [][2]int
	for pos := 0; pos < len(s); {
		loc := wf.pattern.FindStringIndex(s[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if !isWordBoundary(s, start) {
			_, size := utf8.DecodeRuneInString(s[start:])
			pos = start + size
			continue
		}
		if !isWordBoundary(s, end) {
			end = wf.boundedMatchAt(s, start)
			if end < 0 {
				_, size := utf8.DecodeRuneInString(s[start:])
				pos = start + size
				continue
			}
		}
		locs = append(locs, [2]int{start, end})
		pos = end
	}
	return locs
}

// boundedMatchAt returns the end of the longest word that matches at start
// and ends on a word boundary, or -1. Words are sorted longest first.
func (wf *WordFilter) boundedMatchAt(s string, start int) int {
	for _, w := range wf.words {
		n, ok := foldPrefix(s[start:], w)
		if ok && isWordBoundary(s, start+n) {
			return start + n
		}
	}
	return -1
}

// isWordBoundary reports whether byte offset i of s sits between a word
// character and a non-word character, treating the ends of s as non-word.
func isWordBoundary(s string, i int) bool {
	before, after := false, false
	if i > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:i])
		before = isWordRune(r)
	}
	if i < len(s) {
		r, _ := utf8.DecodeRuneInString(s[i:])
		after = isWordRune(r)
	}
	return before != after
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// foldPrefix reports whether s begins with prefix under simple case
// folding, and the byte length of the matched part of s.
func foldPrefix(s, prefix string) (int, bool) {
	i := 0
	for _, pr := range prefix {
		if i >= len(s) {
			return 0, false
		}
		sr, size := utf8.DecodeRuneInString(s[i:])
		if !equalFoldRune(sr, pr) {
			return 0, false
		}
		i += size
	}
	return i, true
}

func equalFoldRune(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}

// Words returns a copy of the configured words.
func (wf *WordFilter) Words() []string {
	if wf == nil {
		return nil
	}
	return slices.Clone(wf.words)
}

// Len returns the number of distinct words.
func (wf *WordFilter) Len() int {
	if wf == nil {
		return 0
	}
	return len(wf.words)
}

// Replacement returns the redaction token.
func (wf *WordFilter) Replacement() string {
	if wf == nil {
		return DefaultReplacement
	}
	return wf.replacement
}
