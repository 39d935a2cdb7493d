package filter

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"telemirror/internal/model"
)

var (
	plainURLPattern     = regexp.MustCompile(`(?i)\b(?:https?://|www\.|t\.me/)\S+`)
	plainMentionPattern = regexp.MustCompile(`(?:^|[^\w])@[A-Za-z0-9_]{5,}`)
)

type skipURLs struct {
	mentions bool
}

func (s skipURLs) Apply(msg model.Message, _ Context) Result {
	for _, e := range msg.Entities {
		switch e.Type {
		case model.EntityURL, model.EntityTextLink:
			return Skip(msg, ReasonURL)
		case model.EntityMention, model.EntityTextMention:
			if s.mentions {
				return Skip(msg, ReasonMention)
			}
		}
	}
	if plainURLPattern.MatchString(msg.Text) {
		return Skip(msg, ReasonURL)
	}
	if s.mentions && plainMentionPattern.MatchString(msg.Text) {
		return Skip(msg, ReasonMention)
	}
	return Continue(msg)
}

// hostGuard decides which links get redacted. With a blacklist only listed
// hosts match; the whitelist is applied afterwards and always wins.
type hostGuard struct {
	blacklist map[string]bool
	whitelist map[string]bool
}

func newHostGuard(blacklist, whitelist []string) hostGuard {
	toSet := func(items []string) map[string]bool {
		set := make(map[string]bool, len(items))
		for _, it := range items {
			set[strings.ToLower(strings.TrimSpace(it))] = true
		}
		return set
	}
	return hostGuard{blacklist: toSet(blacklist), whitelist: toSet(whitelist)}
}

func (g hostGuard) matches(raw string) bool {
	host, path := splitURL(raw)
	if host == "" {
		return false
	}
	full := host + path
	if len(g.blacklist) > 0 && !g.blacklist[host] && !g.blacklist[full] {
		return false
	}
	if g.whitelist[host] || g.whitelist[full] {
		return false
	}
	return true
}

// splitURL returns the lower-cased host and path of raw. Links written
// without a scheme are treated as http.
func splitURL(raw string) (host, path string) {
	if i := strings.LastIndex(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	u, err := url.Parse("http://" + raw)
	if err != nil {
		return "", ""
	}
	host = strings.ToLower(u.Hostname())
	if p := strings.TrimLeft(u.Path, "/"); p != "" {
		path = "/" + strings.ToLower(p)
	}
	return host, path
}

type redactURLs struct {
	placeholder string
	mentions    bool
	guard       hostGuard
}

type span struct {
	start, end int
}

// Apply replaces matching url and mention spans with the placeholder and
// drops text links and text mentions pointing at filtered targets.
func (r redactURLs) Apply(msg model.Message, _ Context) Result {
	if len(msg.Entities) == 0 {
		return Continue(msg)
	}
	units := toUnits(msg.Text)

	var cuts []span
	var kept []model.Entity
	for _, e := range msg.Entities {
		switch {
		case e.Type == model.EntityURL && r.guard.matches(entityText(units, e)),
			e.Type == model.EntityMention && r.mentions:
			cuts = append(cuts, span{e.Offset, e.Offset + e.Length})
		case e.Type == model.EntityTextLink && r.guard.matches(e.URL),
			e.Type == model.EntityTextMention && r.mentions:
		default:
			kept = append(kept, e)
		}
	}
	if len(cuts) == 0 {
		msg.Entities = kept
		return Continue(msg)
	}
	sort.Slice(cuts, func(i, j int) bool { return cuts[i].start < cuts[j].start })

	ph := toUnits(r.placeholder)
	var out []uint16
	pos := 0
	for _, c := range cuts {
		if c.start < pos || c.end > len(units) {
			continue
		}
		out = append(out, units[pos:c.start]...)
		out = append(out, ph...)
		pos = c.end
	}
	out = append(out, units[pos:]...)

	mapPos := func(p int) int {
		shift := 0
		for _, c := range cuts {
			switch {
			case p >= c.end:
				shift += len(ph) - (c.end - c.start)
			case p > c.start:
				return c.start + shift + len(ph)
			}
		}
		return p + shift
	}
	entities := make([]model.Entity, 0, len(kept))
	for _, e := range kept {
		start, end := mapPos(e.Offset), mapPos(e.Offset+e.Length)
		if end <= start {
			continue
		}
		e.Offset, e.Length = start, end-start
		entities = append(entities, e)
	}

	msg.Text = fromUnits(out)
	msg.Entities = entities
	return Continue(msg)
}
