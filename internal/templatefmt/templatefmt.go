package templatefmt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"
)

// DefaultMessageTemplate renders notification title and body on two lines.
const DefaultMessageTemplate = "{{ .Title }}\n{{ .Body }}"

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"elapsed": FormatElapsedMS,
		"reading": FormatReading,
		"json":    MarshalJSON,
		"upper":   strings.ToUpper,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatElapsed renders duration as compact hours/minutes/seconds.
// Params: elapsed duration.
// Returns: "1h 5m", "3m 20s", "45s", or "0s" for non-positive input.
func FormatElapsed(elapsed time.Duration) string {
	totalSeconds := int64(elapsed / time.Second)
	if totalSeconds <= 0 {
		return "0s"
	}
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	parts := make([]string, 0, 3)
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if hours == 0 && seconds > 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, " ")
}

// FormatElapsedMS renders millisecond age with FormatElapsed.
// Params: elapsed milliseconds.
// Returns: compact elapsed string.
func FormatElapsedMS(elapsedMS int64) string {
	return FormatElapsed(time.Duration(elapsedMS) * time.Millisecond)
}

// FormatReading renders sensor value without trailing zeros.
// Params: numeric reading.
// Returns: shortest decimal form ("15", "31.5").
func FormatReading(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// Truncate cuts text to max runes.
// Params: text and rune limit.
// Returns: text unchanged when short enough.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
