package condition

import "strings"

// Interpolate substitutes ${dotted.path} tokens in value using ctx. Strings,
// maps and slices are walked recursively; other values are returned as-is.
//
// A string consisting of exactly one ${path} token yields the resolved value
// with its original type. Absent paths render as the empty string. "$$" is a
// literal "$". Substitution is a single pass: resolved text is never rescanned.
func Interpolate(value any, ctx any) any {
	switch v := value.(type) {
	case string:
		return InterpolateString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Interpolate(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Interpolate(item, ctx)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = InterpolateString(item, ctx)
		}
		return out
	}
	return value
}

// InterpolateString interpolates a single template. See Interpolate.
func InterpolateString(tmpl string, ctx any) any {
	if path, ok := wholeExpression(tmpl); ok {
		if v, found := Resolve(ctx, path); found {
			return v
		}
		return ""
	}
	return Render(tmpl, ctx)
}

// Render always returns a string, stringifying every substitution.
func Render(tmpl string, ctx any) string {
	if !strings.Contains(tmpl, "$") {
		return tmpl
	}
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); {
		if tmpl[i] != '$' || i+1 >= len(tmpl) {
			b.WriteByte(tmpl[i])
			i++
			continue
		}
		switch tmpl[i+1] {
		case '$':
			b.WriteByte('$')
			i += 2
		case '{':
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end <= 0 {
				b.WriteByte('$')
				i++
				continue
			}
			path := tmpl[i+2 : i+2+end]
			if v, ok := Resolve(ctx, path); ok {
				b.WriteString(Stringify(v))
			}
			i += end + 3
		default:
			b.WriteByte('$')
			i++
		}
	}
	return b.String()
}

func wholeExpression(s string) (string, bool) {
	if len(s) < 4 || !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	inner := s[2 : len(s)-1]
	if inner == "" || strings.ContainsAny(inner, "{}") {
		return "", false
	}
	return inner, true
}
