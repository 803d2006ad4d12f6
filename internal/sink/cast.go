package sink

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Column types understood by the visualization layer.
const (
	TypeInteger  = "integer"
	TypeFloat    = "float"
	TypeDecimal  = "decimal"
	TypeString   = "string"
	TypeBoolean  = "boolean"
	TypeDateTime = "datetime"
	TypeDate     = "date"
	TypeTime     = "time"
	TypeBlob     = "blob"
	TypeJSON     = "json"
	TypeUnknown  = "unknown"
)

var pgTypes = map[string]string{
	"smallint":                    TypeInteger,
	"integer":                     TypeInteger,
	"bigint":                      TypeInteger,
	"serial":                      TypeInteger,
	"bigserial":                   TypeInteger,
	"real":                        TypeFloat,
	"double precision":            TypeFloat,
	"numeric":                     TypeDecimal,
	"decimal":                     TypeDecimal,
	"text":                        TypeString,
	"character varying":           TypeString,
	"varchar":                     TypeString,
	"character":                   TypeString,
	"char":                        TypeString,
	"name":                        TypeString,
	"uuid":                        TypeString,
	"boolean":                     TypeBoolean,
	"timestamp":                   TypeDateTime,
	"timestamp with time zone":    TypeDateTime,
	"timestamp without time zone": TypeDateTime,
	"date":                        TypeDate,
	"time":                        TypeTime,
	"time with time zone":         TypeTime,
	"time without time zone":      TypeTime,
	"bytea":                       TypeBlob,
	"json":                        TypeJSON,
	"jsonb":                       TypeJSON,
}

// TypeOf maps a PostgreSQL information_schema data_type to a column type.
func TypeOf(pgType string) string {
	if t, ok := pgTypes[strings.ToLower(strings.TrimSpace(pgType))]; ok {
		return t
	}
	return TypeUnknown
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	"15:04:05.999999999",
	"15:04:05.999999999-07",
	"15:04:05.999999999-07:00",
}

// Cast coerces v to the Go representation of typ. nil stays nil.
func Cast(v any, typ string) (any, error) {
	v = deref(v)
	if v == nil {
		return nil, nil
	}
	switch typ {
	case TypeInteger:
		return toInt(v)
	case TypeFloat, TypeDecimal:
		return toFloat(v)
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
	case TypeDateTime, TypeDate, TypeTime:
		switch tv := v.(type) {
		case time.Time:
			return tv, nil
		case string:
			for _, l := range timeLayouts {
				if parsed, err := time.Parse(l, tv); err == nil {
					return parsed, nil
				}
			}
			return nil, fmt.Errorf("cannot parse %q as %s", tv, typ)
		}
	case TypeBlob:
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
		return v, nil
	case TypeJSON:
		if s, ok := v.(string); ok && json.Valid([]byte(s)) {
			return json.RawMessage(s), nil
		}
		return v, nil
	default:
		return v, nil
	}
	return nil, fmt.Errorf("cannot cast %T to %s", v, typ)
}

func toInt(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	}
	return nil, fmt.Errorf("cannot cast %T to %s", v, TypeInteger)
}

func toFloat(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return nil, fmt.Errorf("cannot cast %T to %s", v, TypeFloat)
}

// deref turns driver byte slices into strings and driver.Valuer wrappers,
// such as pgtype values, into their plain value.
func deref(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case driver.Valuer:
		dv, err := t.Value()
		if err != nil {
			return t
		}
		if b, ok := dv.([]byte); ok {
			return string(b)
		}
		return dv
	default:
		return t
	}
}
