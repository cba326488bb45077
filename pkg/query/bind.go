package query

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/huandu/go-sqlbuilder"
)

// Bind turns a statement with :name placeholders into a statement in the builder's flavor,
// taking the values from params. Placeholders inside quoted strings or identifiers and
// Postgres :: casts are left alone. A placeholder without a value is ErrMissingParameter.
func (b Builder) Bind(statement string, params map[string]any) (string, []any, error) {
	names, format := rewriteNamed(statement)

	args := make([]any, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		v, ok := params[name]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrMissingParameter, name)
		}
		args = append(args, sqlbuilder.Named(name, v))
	}

	sql, values := sqlbuilder.WithFlavor(sqlbuilder.Build(format, args...), b.flavor).Build()
	return sql, values, nil
}

// Placeholders returns the distinct :name placeholders of a statement in order of appearance.
func Placeholders(statement string) []string {
	names, _ := rewriteNamed(statement)
	var out []string
	seen := map[string]bool{}
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// rewriteNamed converts :name into go-sqlbuilder's ${name} syntax and escapes literal $.
func rewriteNamed(statement string) ([]string, string) {
	var (
		names []string
		out   strings.Builder
		quote rune
	)
	runes := []rune(statement)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '$':
			out.WriteString("$$")
			continue
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
		case r == ':' && i+1 < len(runes) && runes[i+1] == ':':
			out.WriteString("::")
			i++
			continue
		case r == ':' && i+1 < len(runes) && isIdentStart(runes[i+1]):
			j := i + 1
			for j < len(runes) && isIdentPart(runes[j]) {
				j++
			}
			name := string(runes[i+1 : j])
			names = append(names, name)
			out.WriteString("${" + name + "}")
			i = j - 1
			continue
		}
		out.WriteRune(r)
	}
	return names, out.String()
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }
