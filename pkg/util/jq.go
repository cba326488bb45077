package util

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	errInvalidInput = errors.New("invalid input or empty path")
	errNoWildcard   = errors.New("no matching elements found for wildcard path")
)

// segment is one step of a path: a map key, optionally followed by an index into the array
// stored under it. index is "" for a plain key and "*" for a wildcard.
type segment struct {
	key     string
	index   string
	indexed bool
}

// Jq extracts a value from a decoded JSON object with a jq-like dotted path such as
// ".user.roles[0]" or "groups[*].name". A wildcard collects the matches of the rest of the
// path over every array element.
func Jq(input map[string]any, path string) (any, error) {
	path = strings.TrimPrefix(path, ".")
	if input == nil || path == "" {
		return nil, errInvalidInput
	}
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	return walk(input, segments)
}

func parsePath(path string) ([]segment, error) {
	var out []segment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		open := strings.IndexByte(part, '[')
		if open < 0 {
			out = append(out, segment{key: part})
			continue
		}
		if !strings.HasSuffix(part, "]") || open == 0 {
			return nil, fmt.Errorf("malformed array syntax in key: %s", part)
		}
		idx := part[open+1 : len(part)-1]
		if idx == "" {
			idx = "*"
		}
		out = append(out, segment{key: part[:open], index: idx, indexed: true})
	}
	return out, nil
}

func walk(current any, segments []segment) (any, error) {
	for i, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected map at path segment: %s", seg.key)
		}
		value, ok := m[seg.key]
		if !ok {
			return nil, fmt.Errorf("key not found: %s", seg.key)
		}
		if !seg.indexed {
			current = value
			continue
		}

		array, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array at key: %s", seg.key)
		}
		if seg.index == "*" {
			if i == len(segments)-1 {
				return array, nil
			}
			return collect(array, segments[i+1:])
		}
		n, err := strconv.Atoi(seg.index)
		if err != nil || n < 0 || n >= len(array) {
			return nil, fmt.Errorf("invalid index %s at key: %s", seg.index, seg.key)
		}
		current = array[n]
	}
	return current, nil
}

func collect(array []any, rest []segment) (any, error) {
	results := make([]any, 0, len(array))
	for _, item := range array {
		v, err := walk(item, rest)
		if err != nil {
			continue
		}
		if list, ok := v.([]any); ok {
			results = append(results, list...)
		} else {
			results = append(results, v)
		}
	}
	if len(results) == 0 {
		return nil, errNoWildcard
	}
	return results, nil
}
