package logging

import (
	"bytes"
	"encoding/json"
	"strings"
)

const payloadClipLimit = 4096

// FormatHTTPPayload renders a request or response body for log output.
// JSON bodies are re-indented without HTML escaping; anything else is
// returned trimmed. Oversized bodies are clipped.
func FormatHTTPPayload(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "<empty>"
	}

	// A JSON string wrapping JSON, eg "\"{...}\"".
	var quoted string
	if err := json.Unmarshal([]byte(trimmed), &quoted); err == nil {
		trimmed = strings.TrimSpace(quoted)
	}

	var value any
	if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
		if pretty, encErr := marshalPrettyJSON(value); encErr == nil {
			trimmed = pretty
		}
	}

	if len(trimmed) > payloadClipLimit {
		return trimmed[:payloadClipLimit] + "..."
	}
	return trimmed
}

func marshalPrettyJSON(value any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
