package mapping

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"telemirror/internal/filter"
	"telemirror/internal/model"
)

var ignoreFilters = cmpopts.IgnoreFields(Binding{}, "Filters")

func ptr[T any](v T) *T { return &v }

func src(id int64) Source { return Source{Ref: model.Chat(id)} }

func dst(id int64) Target { return Target{Ref: model.Chat(id)} }

func mustTable(t *testing.T, rules []Rule, defaults Defaults) *Table {
	t.Helper()
	table, err := New(rules, defaults)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	return table
}

func TestResolveUnmapped(t *testing.T) {
	table := mustTable(t, []Rule{{Sources: []Source{src(-100)}, Targets: []Target{dst(-200)}}}, Defaults{})
	if got := table.Resolve(model.Chat(-999)); got != nil {
		t.Errorf("Resolve(unmapped) = %v, want nil", got)
	}
}

func TestResolveMergesRules(t *testing.T) {
	rules := []Rule{
		{Sources: []Source{{Ref: model.Chat(-100), Title: "News"}}, Targets: []Target{dst(-200), dst(-300)}},
		{Sources: []Source{src(-100), src(-101)}, Targets: []Target{dst(-300), dst(-400)}, DisableEdit: ptr(true), Mode: ptr(model.ModeForward)},
	}
	table := mustTable(t, rules, Defaults{DisableDelete: true})

	want := []Binding{
		{Target: model.Chat(-200), Mode: model.ModeCopy, DisableDelete: true, SourceTitle: "News"},
		{Target: model.Chat(-300), Mode: model.ModeForward, DisableEdit: true, DisableDelete: true, SourceTitle: "News"},
		{Target: model.Chat(-400), Mode: model.ModeForward, DisableEdit: true, DisableDelete: true},
	}
	if diff := cmp.Diff(want, table.Resolve(model.Chat(-100)), ignoreFilters); diff != "" {
		t.Errorf("bindings mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveKeepsEarlierOverrides(t *testing.T) {
	rules := []Rule{
		{Sources: []Source{src(-100)}, Targets: []Target{dst(-200)}, DisableEdit: ptr(true), Mode: ptr(model.ModeForward)},
		{Sources: []Source{src(-100)}, Targets: []Target{dst(-200)}, DisableDelete: ptr(true)},
		{Sources: []Source{src(-100)}, Targets: []Target{dst(-200)}},
	}
	table := mustTable(t, rules, Defaults{})

	want := []Binding{
		{Target: model.Chat(-200), Mode: model.ModeForward, DisableEdit: true, DisableDelete: true},
	}
	if diff := cmp.Diff(want, table.Resolve(model.Chat(-100)), ignoreFilters); diff != "" {
		t.Errorf("bindings mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveFilters(t *testing.T) {
	global := filter.Chain{mustFilter(t, filter.KindNoop)}
	own := filter.Chain{mustFilter(t, filter.KindSkipAll)}
	rules := []Rule{
		{Sources: []Source{src(-100)}, Targets: []Target{dst(-200)}},
		{Sources: []Source{src(-100)}, Targets: []Target{dst(-300)}, Filters: own},
		{Sources: []Source{src(-100)}, Targets: []Target{dst(-400)}, Filters: filter.Chain{}},
	}
	table := mustTable(t, rules, Defaults{Filters: global})

	got := table.Resolve(model.Chat(-100))
	if len(got) != 3 {
		t.Fatalf("got %d bindings, want 3", len(got))
	}
	if len(got[0].Filters) != 1 || got[0].Filters[0] != global[0] {
		t.Errorf("target -200 should inherit global filters")
	}
	if len(got[1].Filters) != 1 || got[1].Filters[0] != own[0] {
		t.Errorf("target -300 should use its own filters")
	}
	if len(got[2].Filters) != 0 {
		t.Errorf("target -400 should have no filters, got %d", len(got[2].Filters))
	}
}

func mustFilter(t *testing.T, kind filter.Kind) filter.Filter {
	t.Helper()
	f, err := filter.New(filter.Spec{Kind: kind})
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	return f
}

func TestResolveTopics(t *testing.T) {
	rules := []Rule{
		{Sources: []Source{{Ref: model.ChannelRef{ChatID: -100, TopicID: 5}}}, Targets: []Target{{Ref: model.ChannelRef{ChatID: -200, TopicID: 9}}}},
		{Sources: []Source{{Ref: model.ChannelRef{ChatID: -100, TopicID: model.GeneralTopicID}}}, Targets: []Target{dst(-300)}},
		{Sources: []Source{src(-101)}, Targets: []Target{dst(-400)}},
	}
	table := mustTable(t, rules, Defaults{})

	tests := []struct {
		name   string
		source model.ChannelRef
		want   []model.ChannelRef
	}{
		{name: "matching topic", source: model.ChannelRef{ChatID: -100, TopicID: 5}, want: []model.ChannelRef{{ChatID: -200, TopicID: 9}}},
		{name: "other topic", source: model.ChannelRef{ChatID: -100, TopicID: 6}},
		{name: "no topic is general", source: model.Chat(-100), want: []model.ChannelRef{model.Chat(-300)}},
		{name: "whole chat rule matches any topic", source: model.ChannelRef{ChatID: -101, TopicID: 3}, want: []model.ChannelRef{model.Chat(-400)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []model.ChannelRef
			for _, b := range table.Resolve(tt.source) {
				got = append(got, b.Target)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("targets mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommentBindings(t *testing.T) {
	rules := []Rule{{
		Sources: []Source{{Ref: model.Chat(-100), Title: "News", Discussion: model.Chat(-110)}},
		Targets: []Target{
			{Ref: model.Chat(-200), Discussion: model.Chat(-210)},
			{Ref: model.Chat(-300)},
		},
		DisableDelete: ptr(true),
	}}

	t.Run("enabled", func(t *testing.T) {
		table := mustTable(t, rules, Defaults{CloneComments: true})

		want := []Binding{{Target: model.Chat(-210), Mode: model.ModeCopy, DisableDelete: true, Comments: true, SourceTitle: "News"}}
		if diff := cmp.Diff(want, table.Resolve(model.Chat(-110)), ignoreFilters); diff != "" {
			t.Errorf("comment bindings mismatch (-want +got):\n%s", diff)
		}
		if !table.IsTargetDiscussion(-210) {
			t.Error("-210 should be a target discussion")
		}
		if table.IsTargetDiscussion(-110) {
			t.Error("-110 is a source discussion")
		}
		if !table.IsSourceDiscussion(-110) {
			t.Error("-110 should be a source discussion")
		}
		if diff := cmp.Diff([]int64{-100, -110, -210}, table.Sources()); diff != "" {
			t.Errorf("sources mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		table := mustTable(t, rules, Defaults{})
		if got := table.Resolve(model.Chat(-110)); got != nil {
			t.Errorf("comment bindings = %v, want nil", got)
		}
		if diff := cmp.Diff([]int64{-100}, table.Sources()); diff != "" {
			t.Errorf("sources mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestBindingFor(t *testing.T) {
	table := mustTable(t, []Rule{{Sources: []Source{src(-100)}, Targets: []Target{dst(-200)}}}, Defaults{})

	if _, ok := table.BindingFor(model.Chat(-100), model.Chat(-200)); !ok {
		t.Error("expected binding for -200")
	}
	if _, ok := table.BindingFor(model.Chat(-100), model.Chat(-300)); ok {
		t.Error("unexpected binding for -300")
	}
}

func TestNewErrors(t *testing.T) {
	bad := model.SendMode("teleport")
	tests := []struct {
		name     string
		rules    []Rule
		defaults Defaults
	}{
		{name: "no sources", rules: []Rule{{Targets: []Target{dst(-200)}}}},
		{name: "no targets", rules: []Rule{{Sources: []Source{src(-100)}}}},
		{name: "zero source", rules: []Rule{{Sources: []Source{src(0)}, Targets: []Target{dst(-200)}}}},
		{name: "zero target", rules: []Rule{{Sources: []Source{src(-100)}, Targets: []Target{dst(0)}}}},
		{name: "source is target", rules: []Rule{{Sources: []Source{src(-100)}, Targets: []Target{dst(-200), dst(-100)}}}},
		{
			name: "whole chat source covers target topic",
			rules: []Rule{{
				Sources: []Source{src(-100)},
				Targets: []Target{{Ref: model.ChannelRef{ChatID: -100, TopicID: 4}}},
			}},
		},
		{name: "bad rule mode", rules: []Rule{{Sources: []Source{src(-100)}, Targets: []Target{dst(-200)}, Mode: &bad}}},
		{name: "bad default mode", defaults: Defaults{Mode: bad}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.rules, tt.defaults)
			var rerr *RoutingError
			if !errors.As(err, &rerr) {
				t.Fatalf("expected *RoutingError, got %v", err)
			}
		})
	}
}

func TestTopicToTopicInSameChat(t *testing.T) {
	rules := []Rule{{
		Sources: []Source{{Ref: model.ChannelRef{ChatID: -100, TopicID: 3}}},
		Targets: []Target{{Ref: model.ChannelRef{ChatID: -100, TopicID: 4}}},
	}}
	table := mustTable(t, rules, Defaults{})

	got := table.Resolve(model.ChannelRef{ChatID: -100, TopicID: 3})
	if len(got) != 1 || got[0].Target != (model.ChannelRef{ChatID: -100, TopicID: 4}) {
		t.Errorf("unexpected bindings %v", got)
	}
}
