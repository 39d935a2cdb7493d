package config

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"telemirror/internal/filter"
	"telemirror/internal/mapping"
	"telemirror/internal/model"
)

// ChatRef is a chat id with an optional "#topic" suffix. In YAML it may be
// written as a number or a string.
type ChatRef model.ChannelRef

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *ChatRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: chat must be a scalar", node.Line)
	}
	ref, err := model.ParseChannelRef(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*r = ChatRef(ref)
	return nil
}

// KeywordMap is an ordered keyword replacement list. From the environment
// it is written `"from":"to","from2":"to2"`; in YAML as a mapping.
type KeywordMap []filter.Replacement

var keywordPairRe = regexp.MustCompile(`"?([^":,]*)"?\s*:\s*"?([^",]*)"?`)

// SetValue implements cleanenv.Setter.
func (k *KeywordMap) SetValue(s string) error {
	var out KeywordMap
	for _, m := range keywordPairRe.FindAllStringSubmatch(s, -1) {
		from := strings.TrimSpace(m[1])
		if from == "" {
			continue
		}
		out = append(out, filter.Replacement{From: from, To: m[2]})
	}
	if len(out) == 0 && strings.TrimSpace(s) != "" {
		return fmt.Errorf("no keyword pairs in %q", s)
	}
	*k = out
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *KeywordMap) UnmarshalYAML(node *yaml.Node) error {
	var r filter.Replacements
	if err := node.Decode(&r); err != nil {
		return err
	}
	*k = KeywordMap(r)
	return nil
}

var (
	chatGroupRe = regexp.MustCompile(`\[?((?:\([^()]*\),?)+):((?:\([^()]*\),?)+)\]?`)
	chatItemRe  = regexp.MustCompile(`\(([^()]*)\)`)
	sourceRe    = regexp.MustCompile(`^(-?\d+(?:#\d+)?)\|"([^"]+)"(?:\|(-?\d+))?$`)
	targetRe    = regexp.MustCompile(`^(-?\d+(?:#\d+)?)(?:\|(-?\d+))?$`)
)

// ParseChatMapping parses the compact mapping syntax
//
//	[(-100|"Title"|-101),(-102|"Other"):(-200|-201),(-300)];...
//
// Each source is (id|"title"|discussion?) and each target is
// (id|discussion?). Ids may carry a "#topic" suffix. Every group becomes
// one rule.
func ParseChatMapping(s string) ([]mapping.Rule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	groups := chatGroupRe.FindAllStringSubmatch(s, -1)
	if len(groups) == 0 {
		return nil, fmt.Errorf("invalid chat mapping %q", s)
	}

	rules := make([]mapping.Rule, 0, len(groups))
	for _, g := range groups {
		var rule mapping.Rule
		for _, item := range chatItemRe.FindAllStringSubmatch(g[1], -1) {
			src, err := parseSource(item[1])
			if err != nil {
				return nil, err
			}
			rule.Sources = append(rule.Sources, src)
		}
		for _, item := range chatItemRe.FindAllStringSubmatch(g[2], -1) {
			dst, err := parseTarget(item[1])
			if err != nil {
				return nil, err
			}
			rule.Targets = append(rule.Targets, dst)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseSource(s string) (mapping.Source, error) {
	m := sourceRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return mapping.Source{}, fmt.Errorf("invalid source %q: want (id|\"title\"|discussion)", s)
	}
	ref, err := model.ParseChannelRef(m[1])
	if err != nil {
		return mapping.Source{}, fmt.Errorf("invalid source %q: %w", s, err)
	}
	src := mapping.Source{Ref: ref, Title: m[2]}
	if m[3] != "" {
		if src.Discussion, err = model.ParseChannelRef(m[3]); err != nil {
			return mapping.Source{}, fmt.Errorf("invalid source %q: %w", s, err)
		}
	}
	return src, nil
}

func parseTarget(s string) (mapping.Target, error) {
	m := targetRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return mapping.Target{}, fmt.Errorf("invalid target %q: want (id|discussion)", s)
	}
	ref, err := model.ParseChannelRef(m[1])
	if err != nil {
		return mapping.Target{}, fmt.Errorf("invalid target %q: %w", s, err)
	}
	dst := mapping.Target{Ref: ref}
	if m[2] != "" {
		if dst.Discussion, err = model.ParseChannelRef(m[2]); err != nil {
			return mapping.Target{}, fmt.Errorf("invalid target %q: %w", s, err)
		}
	}
	return dst, nil
}
