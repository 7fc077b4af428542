package logging

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

func FormatEventLine(event Event) string {
	ts := event.Time.Format("15:04:05")
	level := strings.ToUpper(event.Level.String())
	if len(event.Fields) == 0 {
		return fmt.Sprintf("%s [%s] %s\n", ts, level, event.Message)
	}
	keys := orderedFieldKeys(event.Fields)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+formatFieldValue(event.Fields[key]))
	}
	return fmt.Sprintf("%s [%s] %s %s\n", ts, level, event.Message, strings.Join(parts, " "))
}

func formatFieldValue(value any) string {
	if value == nil {
		return "<nil>"
	}
	if pretty, ok := prettyJSONString(value); ok {
		return pretty
	}
	if err, ok := value.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", value)
}

// prettyJSONString reports whether value is a JSON container (or a string
// holding exactly one) and returns it indented.
func prettyJSONString(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case error:
		return prettyJSONString(v.Error())
	case string:
		return parseJSONContainer(v)
	case []byte:
		return parseJSONContainer(string(v))
	case json.RawMessage:
		return parseJSONContainer(string(v))
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if _, isStringer := value.(fmt.Stringer); isStringer {
			return "", false
		}
		out, err := marshalPrettyJSON(rv.Interface())
		return out, err == nil
	default:
		return "", false
	}
}

func parseJSONContainer(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return "", false
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return "", false
	}
	out, err := marshalPrettyJSON(decoded)
	return out, err == nil
}

// orderedFieldKeys sorts keys alphabetically with inline values first,
// JSON blocks next and request/response payloads last.
func orderedFieldKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	inline := make([]string, 0, len(keys))
	blocks := make([]string, 0, len(keys))
	payloads := make([]string, 0, len(keys))
	for _, key := range keys {
		_, isJSON := prettyJSONString(fields[key])
		switch {
		case !isJSON:
			inline = append(inline, key)
		case isPayloadFieldKey(key):
			payloads = append(payloads, key)
		default:
			blocks = append(blocks, key)
		}
	}
	return append(append(inline, blocks...), payloads...)
}

func isPayloadFieldKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "payload", "request", "response", "body", "data":
		return true
	default:
		return false
	}
}
