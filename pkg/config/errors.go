package config

import "fmt"

// ConfigError reports an invalid configuration. It is only ever returned at startup.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// TableNotExistError reports a configured table that is missing from the introspected schema.
type TableNotExistError struct {
	Source string
	Table  string
}

func (e *TableNotExistError) Error() string {
	return fmt.Sprintf("table %q does not exist in source %q", e.Table, e.Source)
}

// ColumnNotExistError reports a column referenced by configuration that the table does not have.
type ColumnNotExistError struct {
	Extension string
	Table     string
	Column    string
}

func (e *ColumnNotExistError) Error() string {
	return fmt.Sprintf("%s: %q not found on table %q", e.Extension, e.Column, e.Table)
}
