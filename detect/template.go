package detect

import (
	"encoding/json"
	"strings"

	"vigil/core"
)

// TemplateError describes one placeholder that could not be parsed. The
// placeholder is copied to the output unchanged.
type TemplateError struct {
	Offset int
	Token  string
}

func isPlaceholderChar(r byte) bool {
	return r == '_' || r == '.' || r == '-' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// RenderTemplate substitutes {field} references with event values looked up
// the same way conditions look them up. Missing fields render as an empty
// string. A brace that does not open a well-formed placeholder is emitted
// literally and reported.
func RenderTemplate(tmpl string, event *core.Event) (string, []TemplateError) {
	if !strings.Contains(tmpl, "{") {
		return tmpl, nil
	}

	var (
		out  strings.Builder
		errs []TemplateError
	)
	out.Grow(len(tmpl))

	for i := 0; i < len(tmpl); {
		if tmpl[i] != '{' {
			out.WriteByte(tmpl[i])
			i++
			continue
		}
		end := i + 1
		for end < len(tmpl) && isPlaceholderChar(tmpl[end]) {
			end++
		}
		if end == i+1 || end >= len(tmpl) || tmpl[end] != '}' {
			// Malformed: copy everything up to the next brace literally.
			stop := end
			if stop < len(tmpl) && tmpl[stop] == '}' {
				stop++
			}
			errs = append(errs, TemplateError{Offset: i, Token: tmpl[i:stop]})
			out.WriteString(tmpl[i:stop])
			i = stop
			continue
		}
		out.WriteString(formatTemplateValue(event, tmpl[i+1:end]))
		i = end + 1
	}
	return out.String(), errs
}

func formatTemplateValue(event *core.Event, field string) string {
	v, ok := event.Lookup(field)
	if !ok {
		return ""
	}
	if s, ok := core.ScalarString(v); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
