// Package mapping resolves which targets a source channel is mirrored to.
package mapping

import (
	"fmt"

	"telemirror/internal/filter"
	"telemirror/internal/model"
)

// Source is a mirrored channel, optionally with its discussion group.
type Source struct {
	Ref        model.ChannelRef
	Title      string
	Discussion model.ChannelRef
}

// Target is a destination channel, optionally with its discussion group.
type Target struct {
	Ref        model.ChannelRef
	Discussion model.ChannelRef
}

// Rule maps a set of sources to a set of targets. Nil override fields
// inherit the defaults; a non-nil empty Filters chain disables filtering.
type Rule struct {
	Sources       []Source
	Targets       []Target
	Filters       filter.Chain
	DisableEdit   *bool
	DisableDelete *bool
	Mode          *model.SendMode
}

// Defaults are the global settings rules inherit.
type Defaults struct {
	Filters        filter.Chain
	CommentFilters filter.Chain
	DisableEdit    bool
	DisableDelete  bool
	Mode           model.SendMode
	CloneComments  bool
}

// Binding is the effective routing of a source to one target.
type Binding struct {
	Target        model.ChannelRef
	Filters       filter.Chain
	DisableEdit   bool
	DisableDelete bool
	Mode          model.SendMode
	// Comments marks bindings between discussion groups.
	Comments    bool
	SourceTitle string
}

// RoutingError reports an invalid mapping rule. Rule is -1 for problems
// not tied to a single rule.
type RoutingError struct {
	Rule   int
	Reason string
}

func (e *RoutingError) Error() string {
	if e.Rule < 0 {
		return "mapping: " + e.Reason
	}
	return fmt.Sprintf("mapping rule %d: %s", e.Rule+1, e.Reason)
}

// overrides records which binding fields a rule set explicitly.
type overrides struct {
	filters       bool
	disableEdit   bool
	disableDelete bool
	mode          bool
}

type entry struct {
	source  model.ChannelRef
	binding Binding
	set     overrides
}

// mergeInto applies the fields e's rule set explicitly on top of b.
func (e entry) mergeInto(b Binding) Binding {
	if e.set.filters {
		b.Filters = e.binding.Filters
	}
	if e.set.disableEdit {
		b.DisableEdit = e.binding.DisableEdit
	}
	if e.set.disableDelete {
		b.DisableDelete = e.binding.DisableDelete
	}
	if e.set.mode {
		b.Mode = e.binding.Mode
	}
	if e.binding.SourceTitle != "" {
		b.SourceTitle = e.binding.SourceTitle
	}
	return b
}

// Table is an immutable routing table.
type Table struct {
	entries           map[int64][]entry
	chats             []int64
	sourceDiscussions map[int64]bool
	targetDiscussions map[int64]bool
}

// New validates rules and builds a Table. Rules are merged in order.
func New(rules []Rule, defaults Defaults) (*Table, error) {
	if defaults.Mode == "" {
		defaults.Mode = model.ModeCopy
	}
	if !defaults.Mode.Valid() {
		return nil, &RoutingError{Rule: -1, Reason: fmt.Sprintf("unknown mode %q", defaults.Mode)}
	}

	t := &Table{
		entries:           make(map[int64][]entry),
		sourceDiscussions: make(map[int64]bool),
		targetDiscussions: make(map[int64]bool),
	}
	seen := make(map[int64]bool)
	observe := func(chat int64) {
		if !seen[chat] {
			seen[chat] = true
			t.chats = append(t.chats, chat)
		}
	}

	for i, r := range rules {
		if err := validate(i, r); err != nil {
			return nil, err
		}

		set := overrides{
			filters:       r.Filters != nil,
			disableEdit:   r.DisableEdit != nil,
			disableDelete: r.DisableDelete != nil,
			mode:          r.Mode != nil,
		}
		base := Binding{
			Filters:       defaults.Filters,
			DisableEdit:   defaults.DisableEdit,
			DisableDelete: defaults.DisableDelete,
			Mode:          defaults.Mode,
		}
		if r.Filters != nil {
			base.Filters = r.Filters
		}
		if r.DisableEdit != nil {
			base.DisableEdit = *r.DisableEdit
		}
		if r.DisableDelete != nil {
			base.DisableDelete = *r.DisableDelete
		}
		if r.Mode != nil {
			if !r.Mode.Valid() {
				return nil, &RoutingError{Rule: i, Reason: fmt.Sprintf("unknown mode %q", *r.Mode)}
			}
			base.Mode = *r.Mode
		}

		for _, src := range r.Sources {
			observe(src.Ref.ChatID)
			for _, dst := range r.Targets {
				b := base
				b.Target = dst.Ref
				b.SourceTitle = src.Title
				t.add(src.Ref, b, set)
			}

			if !defaults.CloneComments || src.Discussion.IsZero() {
				continue
			}
			observe(src.Discussion.ChatID)
			t.sourceDiscussions[src.Discussion.ChatID] = true
			for _, dst := range r.Targets {
				if dst.Discussion.IsZero() {
					continue
				}
				t.add(src.Discussion.WholeChat(), Binding{
					Target:        dst.Discussion,
					Filters:       defaults.CommentFilters,
					DisableEdit:   base.DisableEdit,
					DisableDelete: base.DisableDelete,
					Mode:          model.ModeCopy,
					Comments:      true,
					SourceTitle:   src.Title,
				}, overrides{disableEdit: set.disableEdit, disableDelete: set.disableDelete})
			}
		}

		if defaults.CloneComments {
			for _, dst := range r.Targets {
				if !dst.Discussion.IsZero() {
					t.targetDiscussions[dst.Discussion.ChatID] = true
					observe(dst.Discussion.ChatID)
				}
			}
		}
	}
	return t, nil
}

func validate(i int, r Rule) error {
	if len(r.Sources) == 0 {
		return &RoutingError{Rule: i, Reason: "no sources"}
	}
	if len(r.Targets) == 0 {
		return &RoutingError{Rule: i, Reason: "no targets"}
	}
	for _, s := range r.Sources {
		if s.Ref.IsZero() {
			return &RoutingError{Rule: i, Reason: "source chat id is zero"}
		}
	}
	for _, d := range r.Targets {
		if d.Ref.IsZero() {
			return &RoutingError{Rule: i, Reason: "target chat id is zero"}
		}
		for _, s := range r.Sources {
			if s.Ref.ChatID == d.Ref.ChatID && (matches(s.Ref, d.Ref) || d.Ref.TopicID == 0) {
				return &RoutingError{Rule: i, Reason: fmt.Sprintf("%s is both source and target", d.Ref)}
			}
		}
	}
	return nil
}

func (t *Table) add(src model.ChannelRef, b Binding, set overrides) {
	t.entries[src.ChatID] = append(t.entries[src.ChatID], entry{source: src, binding: b, set: set})
}

// matches reports whether a rule source covers the actual message location.
// Messages outside any topic belong to the General topic.
func matches(rule, actual model.ChannelRef) bool {
	if rule.TopicID == 0 {
		return true
	}
	topic := actual.TopicID
	if topic == 0 {
		topic = model.GeneralTopicID
	}
	return rule.TopicID == topic
}

// Resolve returns one binding per target for source. When several rules
// reach the same target, the fields a later rule sets explicitly win; the
// rest keep the earlier rule's values.
func (t *Table) Resolve(source model.ChannelRef) []Binding {
	var out []Binding
	index := make(map[model.ChannelRef]int)
	for _, e := range t.entries[source.ChatID] {
		if !matches(e.source, source) {
			continue
		}
		if i, ok := index[e.binding.Target]; ok {
			out[i] = e.mergeInto(out[i])
			continue
		}
		index[e.binding.Target] = len(out)
		out = append(out, e.binding)
	}
	return out
}

// BindingFor returns the current binding of source to target.
func (t *Table) BindingFor(source, target model.ChannelRef) (Binding, bool) {
	for _, b := range t.Resolve(source) {
		if b.Target == target {
			return b, true
		}
	}
	return Binding{}, false
}

// IsTargetDiscussion reports whether chat is the discussion group of a target.
func (t *Table) IsTargetDiscussion(chat int64) bool {
	return t.targetDiscussions[chat]
}

// IsSourceDiscussion reports whether chat is the discussion group of a source.
func (t *Table) IsSourceDiscussion(chat int64) bool {
	return t.sourceDiscussions[chat]
}

// Sources lists every chat whose activity the engine must observe.
func (t *Table) Sources() []int64 {
	return append([]int64(nil), t.chats...)
}
