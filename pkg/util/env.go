package util

import (
	"os"
	"strings"
)

// GetEnvOrDefault returns the environment variable value if set, otherwise the default value
func GetEnvOrDefault(env, def string) string {
	if val := os.Getenv(env); val != "" {
		return val
	}
	return def
}

// ExpandEnvRef resolves a "$NAME" reference to the value of the environment variable NAME.
// Any other value is returned unchanged.
func ExpandEnvRef(value string) string {
	if name, ok := strings.CutPrefix(value, "$"); ok && name != "" {
		return os.Getenv(name)
	}
	return value
}
