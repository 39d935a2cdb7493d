package config

import (
	"fmt"

	"telemirror/internal/filter"
	"telemirror/internal/mapping"
	"telemirror/internal/model"
)

// Build validates the routing rules and filters and returns the mapping
// table. Errors are *mapping.RoutingError or *filter.Error, wrapped.
func Build(cfg *Config) (*mapping.Table, error) {
	defaults, err := cfg.defaults()
	if err != nil {
		return nil, err
	}

	rules, err := ParseChatMapping(cfg.ChatMapping)
	if err != nil {
		return nil, fmt.Errorf("parse chat mapping: %w", err)
	}
	for i, m := range cfg.Mappings {
		rule, err := m.rule()
		if err != nil {
			return nil, fmt.Errorf("mappings[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		return nil, &mapping.RoutingError{Rule: -1, Reason: "no rules configured"}
	}

	table, err := mapping.New(rules, defaults)
	if err != nil {
		return nil, fmt.Errorf("build mapping: %w", err)
	}
	return table, nil
}

// DefaultFilterSpecs returns the default chain: the YAML filters followed by
// the shorthand settings.
func (c *Config) DefaultFilterSpecs() []filter.Spec {
	specs := append([]filter.Spec(nil), c.Filters...)
	if c.SkipURLs {
		specs = append(specs, filter.Spec{Kind: filter.KindSkipURLs})
	}
	if len(c.SkipKeywords) > 0 {
		specs = append(specs, filter.Spec{Kind: filter.KindSkipKeywords, Keywords: c.SkipKeywords})
	}
	if len(c.ReplaceMap) > 0 {
		specs = append(specs, filter.Spec{Kind: filter.KindReplaceKeywords, Replacements: filter.Replacements(c.ReplaceMap)})
	}
	if c.ForwardFormat != "" {
		specs = append(specs, filter.Spec{Kind: filter.KindForwardFormat, Format: c.ForwardFormat})
	}
	return specs
}

func (c *Config) defaults() (mapping.Defaults, error) {
	chain, err := filter.NewChain(c.DefaultFilterSpecs())
	if err != nil {
		return mapping.Defaults{}, fmt.Errorf("filters: %w", err)
	}
	comments, err := filter.NewChain(c.CommentFilters)
	if err != nil {
		return mapping.Defaults{}, fmt.Errorf("comment_filters: %w", err)
	}
	return mapping.Defaults{
		Filters:        chain,
		CommentFilters: comments,
		DisableEdit:    c.Mirror.DisableEdit,
		DisableDelete:  c.Mirror.DisableDelete,
		Mode:           model.SendMode(c.Mirror.Mode),
		CloneComments:  !c.Mirror.DisableCommentClone,
	}, nil
}

func (m MappingConfig) rule() (mapping.Rule, error) {
	rule := mapping.Rule{
		DisableEdit:   m.DisableEdit,
		DisableDelete: m.DisableDelete,
		Mode:          m.Mode,
	}
	for _, s := range m.Sources {
		rule.Sources = append(rule.Sources, mapping.Source{
			Ref:        model.ChannelRef(s.Chat),
			Title:      s.Title,
			Discussion: model.ChannelRef(s.Discussion),
		})
	}
	for _, t := range m.Targets {
		rule.Targets = append(rule.Targets, mapping.Target{
			Ref:        model.ChannelRef(t.Chat),
			Discussion: model.ChannelRef(t.Discussion),
		})
	}
	if m.Filters != nil {
		chain, err := filter.NewChain(*m.Filters)
		if err != nil {
			return mapping.Rule{}, fmt.Errorf("filters: %w", err)
		}
		rule.Filters = chain
	}
	return rule, nil
}
