package delivery

import (
	"strings"
	"time"
)

// templateVars builds the named variables available to delivery templates.
func templateVars(resultText, taskName string) map[string]string {
	return map[string]string{
		"result":    resultText,
		"task_name": taskName,
		"timestamp": time.Now().Format(time.RFC3339),
	}
}

// expand substitutes $name and ${name} references from vars. A reference to
// a missing variable is left verbatim instead of failing, and $$ renders a
// literal dollar sign.
func expand(tmpl string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		if c != '$' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(tmpl) {
			b.WriteByte('$')
			break
		}

		switch next := tmpl[i+1]; {
		case next == '$':
			b.WriteByte('$')
			i += 2
		case next == '{':
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end < 0 {
				b.WriteString(tmpl[i:])
				i = len(tmpl)
				break
			}
			name := tmpl[i+2 : i+2+end]
			if v, ok := vars[name]; ok && isIdent(name) {
				b.WriteString(v)
			} else {
				b.WriteString(tmpl[i : i+2+end+1])
			}
			i += 2 + end + 1
		default:
			j := i + 1
			for j < len(tmpl) && isIdentByte(tmpl[j], j > i+1) {
				j++
			}
			name := tmpl[i+1 : j]
			if v, ok := vars[name]; ok && name != "" {
				b.WriteString(v)
			} else {
				b.WriteString(tmpl[i:j])
			}
			i = j
		}
	}
	return b.String()
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i], i > 0) {
			return false
		}
	}
	return true
}

func isIdentByte(c byte, allowDigit bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return allowDigit && c >= '0' && c <= '9'
}
