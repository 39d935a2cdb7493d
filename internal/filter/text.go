package filter

import (
	"unicode/utf16"

	"telemirror/internal/model"
)

// Entity offsets and lengths are counted in UTF-16 code units.

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

func toUnits(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func fromUnits(u []uint16) string {
	return string(utf16.Decode(u))
}

func entityText(units []uint16, e model.Entity) string {
	start, end := e.Offset, e.Offset+e.Length
	if start < 0 || end > len(units) || start > end {
		return ""
	}
	return fromUnits(units[start:end])
}

// rebaseEntities keeps the entities of old that lie outside the changed
// region between old and updated, shifting the ones after it.
func rebaseEntities(old, updated string, entities []model.Entity) []model.Entity {
	if len(entities) == 0 {
		return entities
	}
	a, b := toUnits(old), toUnits(updated)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	changedEnd := len(a) - suffix
	delta := len(b) - len(a)

	var out []model.Entity
	for _, e := range entities {
		switch {
		case e.Offset+e.Length <= prefix:
			out = append(out, e)
		case e.Offset >= changedEnd:
			e.Offset += delta
			out = append(out, e)
		}
	}
	return out
}

// shiftEntities moves entities right by n units.
func shiftEntities(entities []model.Entity, n int) []model.Entity {
	if len(entities) == 0 {
		return entities
	}
	out := make([]model.Entity, len(entities))
	for i, e := range entities {
		e.Offset += n
		out[i] = e
	}
	return out
}
