package filter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"telemirror/internal/model"
)

// isRegexKeyword reports whether kw uses the /pattern/ form.
func isRegexKeyword(kw string) bool {
	return len(kw) > 2 && strings.HasPrefix(kw, "/") && strings.HasSuffix(kw, "/")
}

// compileKeyword turns a literal or /regex/ keyword into a pattern.
func compileKeyword(kw string, caseSensitive bool) (*regexp.Regexp, error) {
	var expr string
	switch {
	case isRegexKeyword(kw):
		expr = kw[1 : len(kw)-1]
	case kw == "":
		return nil, errEmptyKeyword
	default:
		expr = regexp.QuoteMeta(kw)
	}
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("keyword %q: %w", kw, err)
	}
	return re, nil
}

// matcher finds a keyword in text. Literal keywords only match whole words.
type matcher struct {
	re    *regexp.Regexp
	words bool
}

func newMatcher(kw string, caseSensitive bool) (matcher, error) {
	re, err := compileKeyword(kw, caseSensitive)
	if err != nil {
		return matcher{}, err
	}
	return matcher{re: re, words: !isRegexKeyword(kw)}, nil
}

func (m matcher) spans(s string) [][]int {
	locs := m.re.FindAllStringIndex(s, -1)
	if !m.words {
		return locs
	}
	out := locs[:0]
	for _, loc := range locs {
		if onWordBoundary(s, loc[0], loc[1]) {
			out = append(out, loc)
		}
	}
	return out
}

func (m matcher) match(s string) bool {
	if !m.words {
		return m.re.MatchString(s)
	}
	return len(m.spans(s)) > 0
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// onWordBoundary reports whether s[start:end] is not glued to a word
// character on either side. Edges that are not word characters always pass.
func onWordBoundary(s string, start, end int) bool {
	if first, _ := utf8.DecodeRuneInString(s[start:end]); isWordRune(first) && start > 0 {
		if prev, _ := utf8.DecodeLastRuneInString(s[:start]); isWordRune(prev) {
			return false
		}
	}
	if last, _ := utf8.DecodeLastRuneInString(s[start:end]); isWordRune(last) && end < len(s) {
		if next, _ := utf8.DecodeRuneInString(s[end:]); isWordRune(next) {
			return false
		}
	}
	return true
}

type keywords struct {
	patterns []matcher
	require  bool
}

func (k keywords) Apply(msg model.Message, _ Context) Result {
	matched := false
	for _, m := range k.patterns {
		if m.match(msg.Text) {
			matched = true
			break
		}
	}
	switch {
	case k.require && !matched:
		return Skip(msg, ReasonMissingKeyword)
	case !k.require && matched:
		return Skip(msg, ReasonKeyword)
	}
	return Continue(msg)
}

type replaceRule struct {
	m  matcher
	to string
}

func (r replaceRule) replace(s string) string {
	if !r.m.words {
		return r.m.re.ReplaceAllString(s, r.to)
	}
	spans := r.m.spans(s)
	if len(spans) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(s[last:sp[0]])
		b.WriteString(r.to)
		last = sp[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

type replaceKeywords struct {
	rules []replaceRule
}

// Apply runs each rule against the output of the previous one.
func (r replaceKeywords) Apply(msg model.Message, _ Context) Result {
	text := msg.Text
	for _, rule := range r.rules {
		text = rule.replace(text)
	}
	if text != msg.Text {
		msg.Entities = rebaseEntities(msg.Text, text, msg.Entities)
		msg.Text = text
	}
	return Continue(msg)
}
