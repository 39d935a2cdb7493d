package filter

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Kind names a filter type.
type Kind string

// Supported filter kinds.
const (
	KindNoop            Kind = "noop"
	KindSkipURLs        Kind = "skip_urls"
	KindSkipKeywords    Kind = "skip_keywords"
	KindRequireKeywords Kind = "require_keywords"
	KindReplaceKeywords Kind = "replace_keywords"
	KindForwardFormat   Kind = "forward_format"
	KindRedactURLs      Kind = "redact_urls"
	KindSkipAll         Kind = "skip_all"
)

// DefaultForwardFormat is used by forward_format when no format is given.
const DefaultForwardFormat = "{message_text}\n\nForwarded from {channel_name}\n{message_link}"

// DefaultPlaceholder replaces redacted links.
const DefaultPlaceholder = "***"

// Spec describes one filter as it appears in configuration.
type Spec struct {
	Kind Kind `yaml:"kind"`
	// SkipMentions makes skip_urls skip on @mentions and redact_urls
	// redact them.
	SkipMentions  bool         `yaml:"skip_mentions"`
	Keywords      []string     `yaml:"keywords"`
	CaseSensitive bool         `yaml:"case_sensitive"`
	Replacements  Replacements `yaml:"replacements"`
	Format        string       `yaml:"format"`
	Placeholder   string       `yaml:"placeholder"`
	Blacklist     []string     `yaml:"blacklist"`
	Whitelist     []string     `yaml:"whitelist"`
}

// Replacement is one keyword substitution.
type Replacement struct {
	From string
	To   string
}

// Replacements keeps substitutions in declaration order.
type Replacements []Replacement

// UnmarshalYAML decodes a YAML mapping while preserving key order.
func (r *Replacements) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("replacements: expected mapping, got line %d", node.Line)
	}
	out := make(Replacements, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var from, to string
		if err := node.Content[i].Decode(&from); err != nil {
			return fmt.Errorf("decode replacement key: %w", err)
		}
		if err := node.Content[i+1].Decode(&to); err != nil {
			return fmt.Errorf("decode replacement %q: %w", from, err)
		}
		out = append(out, Replacement{From: from, To: to})
	}
	*r = out
	return nil
}

// Error reports an invalid filter spec.
type Error struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("filter %q: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("filter %q: %s: %v", e.Kind, e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	errUnknownKind   = errors.New("unknown kind")
	errEmpty         = errors.New("must not be empty")
	errEmptyKeyword  = errors.New("empty keyword")
	errMissingMarker = errors.New("format has no placeholder")
)

// New builds a filter from spec.
func New(spec Spec) (Filter, error) {
	fail := func(field string, err error) (Filter, error) {
		return nil, &Error{Kind: spec.Kind, Field: field, Err: err}
	}

	switch spec.Kind {
	case KindNoop:
		return noop{}, nil
	case KindSkipAll:
		return skipAll{}, nil
	case KindSkipURLs:
		return skipURLs{mentions: spec.SkipMentions}, nil
	case KindSkipKeywords, KindRequireKeywords:
		if len(spec.Keywords) == 0 {
			return fail("keywords", errEmpty)
		}
		patterns := make([]matcher, 0, len(spec.Keywords))
		for _, kw := range spec.Keywords {
			m, err := newMatcher(kw, spec.CaseSensitive)
			if err != nil {
				return fail("keywords", err)
			}
			patterns = append(patterns, m)
		}
		return keywords{patterns: patterns, require: spec.Kind == KindRequireKeywords}, nil
	case KindReplaceKeywords:
		if len(spec.Replacements) == 0 {
			return fail("replacements", errEmpty)
		}
		rules := make([]replaceRule, 0, len(spec.Replacements))
		for _, r := range spec.Replacements {
			m, err := newMatcher(r.From, spec.CaseSensitive)
			if err != nil {
				return fail("replacements", err)
			}
			rules = append(rules, replaceRule{m: m, to: r.To})
		}
		return replaceKeywords{rules: rules}, nil
	case KindForwardFormat:
		format := spec.Format
		if format == "" {
			format = DefaultForwardFormat
		}
		if !hasPlaceholder(format) {
			return fail("format", errMissingMarker)
		}
		return forwardFormat{format: format}, nil
	case KindRedactURLs:
		placeholder := spec.Placeholder
		if placeholder == "" {
			placeholder = DefaultPlaceholder
		}
		return redactURLs{
			placeholder: placeholder,
			mentions:    spec.SkipMentions,
			guard:       newHostGuard(spec.Blacklist, spec.Whitelist),
		}, nil
	default:
		return fail("", errUnknownKind)
	}
}

// NewChain builds filters from specs in order.
func NewChain(specs []Spec) (Chain, error) {
	chain := make(Chain, 0, len(specs))
	for _, s := range specs {
		f, err := New(s)
		if err != nil {
			return nil, err
		}
		chain = append(chain, f)
	}
	return chain, nil
}
