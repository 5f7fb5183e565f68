package workflow

import "strings"

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Render replaces every {{KEY}} in tmpl whose KEY is present in vars. Unknown
// keys stay verbatim. Substituted values are never scanned again, so a value
// containing {{X}} comes out literally.
func Render(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, openDelim) {
		return tmpl
	}
	var b strings.Builder
	b.Grow(len(tmpl))
	for {
		i := strings.Index(tmpl, openDelim)
		if i < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		b.WriteString(tmpl[:i])
		rest := tmpl[i+len(openDelim):]
		j := strings.Index(rest, closeDelim)
		if j < 0 {
			b.WriteString(tmpl[i:])
			return b.String()
		}
		if v, ok := vars[rest[:j]]; ok {
			b.WriteString(v)
			tmpl = rest[j+len(closeDelim):]
			continue
		}
		// Not a known token: keep one brace and rescan from the next byte so
		// "{{{KEY}}" still finds {{KEY}}.
		b.WriteByte('{')
		tmpl = tmpl[i+1:]
	}
}

// Placeholders lists the distinct token names in tmpl, in order of first use.
func Placeholders(tmpl string) []string {
	var out []string
	seen := map[string]bool{}
	for {
		i := strings.Index(tmpl, openDelim)
		if i < 0 {
			return out
		}
		rest := tmpl[i+len(openDelim):]
		j := strings.Index(rest, closeDelim)
		if j < 0 {
			return out
		}
		key := rest[:j]
		if key != "" && !strings.Contains(key, "{") && !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
		if strings.Contains(key, "{") {
			tmpl = tmpl[i+1:]
			continue
		}
		tmpl = rest[j+len(closeDelim):]
	}
}

// Prompt is a rendered prompt pair for an instance's current state.
type Prompt struct {
	State  string `json:"state"`
	System string `json:"system"`
	User   string `json:"user"`
	// Missing lists tokens left unresolved because vars lacked them.
	Missing []string `json:"missing,omitempty"`
}

func missing(vars map[string]string, tmpls ...string) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range tmpls {
		for _, k := range Placeholders(t) {
			if _, ok := vars[k]; !ok && !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
