package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gosimple/slug"
	"github.com/jinzhu/inflection"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// FieldExclusion holds the columns hidden per verb and action. Every verb/action list is a
// superset of All.
type FieldExclusion struct {
	All        []string
	ByEndpoint map[string]map[string][]string // verb -> action -> columns
}

// For returns the excluded columns of one verb/action endpoint.
func (f FieldExclusion) For(verb, action string) []string {
	if byAction, ok := f.ByEndpoint[verb]; ok {
		if cols, ok := byAction[action]; ok {
			return cols
		}
	}
	return f.All
}

func (f FieldExclusion) Excludes(verb, action, column string) bool {
	return slices.Contains(f.For(verb, action), column)
}

// parseFieldsExcluded builds the exclusion matrix from a lowercased fields_excluded block:
// every verb/action list is the union of its own entries and the `all` entries, own entries
// first, duplicates removed.
func parseFieldsExcluded(raw map[string]any) FieldExclusion {
	f := FieldExclusion{
		All:        union(nil, toStrings(raw["all"])),
		ByEndpoint: make(map[string]map[string][]string),
	}
	for _, verb := range []string{GET, PUT, POST} {
		byAction := asMap(raw[strings.ToLower(verb)])
		f.ByEndpoint[verb] = make(map[string][]string, len(Actions))
		for _, action := range Actions {
			own := toStrings(byAction[strings.ToLower(action)])
			f.ByEndpoint[verb][action] = union(own, f.All)
		}
	}
	return f
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, s := range slices.Concat(a, b) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

// ModelName converts a table name or alias into a model name: underscores become word
// breaks, words are title-cased and joined ("book_author" -> "BookAuthor").
func ModelName(name string) string {
	words := cases.Title(language.Und).String(strings.ReplaceAll(name, "_", " "))
	return strings.ReplaceAll(words, " ", "")
}

// Slug returns the URL-safe singular route segment of a table name or alias.
func Slug(name string) string {
	return slug.Make(name)
}

// PluralSlug returns the route segment used by LIST endpoints. Uncountable names get a
// "-list" suffix so SINGLE and LIST routes never collide.
func PluralSlug(name string) string {
	s := Slug(name)
	if p := inflection.Plural(s); p != s {
		return p
	}
	return s + "-list"
}
