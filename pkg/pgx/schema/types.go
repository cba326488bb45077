package schema

import "strings"

// PrimitiveType is the value kind a column maps to in requests and in the API document.
type PrimitiveType string

const (
	String   PrimitiveType = "string"
	Int      PrimitiveType = "int"
	Float    PrimitiveType = "float"
	Bool     PrimitiveType = "bool"
	DateTime PrimitiveType = "datetime"
	Object   PrimitiveType = "object"
)

// Primitive maps a catalog type name (Postgres or SQLite spelling) to a PrimitiveType.
// Anything unrecognized is treated as a string.
func Primitive(dataType string) PrimitiveType {
	dt := strings.ToLower(dataType)
	switch {
	case strings.Contains(dt, "interval"), strings.Contains(dt, "point"):
		return String
	case strings.Contains(dt, "bool"):
		return Bool
	case strings.Contains(dt, "int"), strings.Contains(dt, "serial"):
		return Int
	case strings.Contains(dt, "numeric"), strings.Contains(dt, "decimal"),
		strings.Contains(dt, "real"), strings.Contains(dt, "double"),
		strings.Contains(dt, "float"), strings.Contains(dt, "money"):
		return Float
	case strings.Contains(dt, "timestamp"), strings.Contains(dt, "datetime"), dt == "date":
		return DateTime
	case strings.Contains(dt, "json"):
		return Object
	default:
		return String
	}
}
