package logging

import (
	"log/slog"
	"slices"
	"time"
)

// field is an attribute flattened to its group path, e.g. "ring.capacity".
type field struct {
	key   string
	value slog.Value
}

// attrSet carries the WithAttrs and WithGroup state of the buffer and journal
// handlers. Attributes keep the group prefix that was open when they were
// added.
type attrSet struct {
	level  slog.Leveler
	group  string
	fields []field
}

func (s attrSet) enabled(level slog.Level) bool {
	return level >= s.level.Level()
}

func (s attrSet) withAttrs(attrs []slog.Attr) attrSet {
	fields := slices.Clip(s.fields)
	for _, a := range attrs {
		fields = appendField(fields, s.group, a)
	}
	return attrSet{level: s.level, group: s.group, fields: fields}
}

func (s attrSet) withGroup(name string) attrSet {
	if name == "" {
		return s
	}
	return attrSet{level: s.level, group: s.group + name + ".", fields: s.fields}
}

// record returns the handler fields followed by the fields of r.
func (s attrSet) record(r slog.Record) []field {
	fields := slices.Clip(s.fields)
	r.Attrs(func(a slog.Attr) bool {
		fields = appendField(fields, s.group, a)
		return true
	})
	return fields
}

func appendField(fields []field, prefix string, a slog.Attr) []field {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range v.Group() {
			fields = appendField(fields, prefix, ga)
		}
		return fields
	}
	if a.Key == "" {
		return fields
	}
	return append(fields, field{key: prefix + a.Key, value: v})
}

// plainValue converts v to a JSON friendly value.
func plainValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.Any()
}
