// Package fieldref expands %{...} field references in path and message templates.
//
// Supported references:
//
//	%{name}          attribute, extension or top-level data key
//	%{[data][a][b]}  nested path
//	%{+yyyy-MM-dd}   event timestamp in UTC, Joda-style pattern
//	%{+%s}           event timestamp as Unix seconds
//
// A reference that does not resolve is left in the output verbatim.
package fieldref

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/jittakal/kafeventsink/pkg/event"
)

var refPattern = regexp.MustCompile(`%\{[^}]+\}`)

// HasRef reports whether s contains at least one field reference.
func HasRef(s string) bool {
	return refPattern.MatchString(s)
}

// Index returns the byte offset of the first field reference in s, or -1.
func Index(s string) int {
	loc := refPattern.FindStringIndex(s)
	if loc == nil {
		return -1
	}
	return loc[0]
}

// Expand substitutes every field reference in template with the record's value.
func Expand(template string, record *event.Record) string {
	if !HasRef(template) {
		return template
	}
	return refPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := token[2 : len(token)-1]
		if len(name) > 1 && name[0] == '+' {
			return formatTime(record, name[1:])
		}
		value, ok := record.Lookup(name)
		if !ok {
			return token
		}
		return render(value)
	})
}

func formatTime(record *event.Record, pattern string) string {
	ts := record.GetEventTime().UTC()
	if pattern == "%s" {
		return strconv.FormatInt(ts.Unix(), 10)
	}
	return FormatJoda(ts, pattern)
}

// render turns a looked-up value into its template text. Objects and arrays render as JSON.
func render(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}
