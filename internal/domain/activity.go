package domain

// LogSource names who produced an activity log entry.
type LogSource string

const (
	// LogSourceDevice marks lines published by the device itself.
	LogSourceDevice LogSource = "device"
	// LogSourceWeb marks operator actions taken through the HTTP API.
	LogSourceWeb LogSource = "web"
	// LogSourceEngine marks alert engine events.
	LogSourceEngine LogSource = "engine"
)

// LogEntry is one activity log line.
// Params: message text, source, and creation time.
// Returns: record persisted in the activity log.
type LogEntry struct {
	ID          int64     `json:"id"`
	Message     string    `json:"message"`
	Source      LogSource `json:"source"`
	TimestampMS int64     `json:"timestamp"`
}

// Schedule is one automatic feeding time.
// Params: weekdays, 12-hour clock time, and enabled flag.
// Returns: record published to the device when enabled.
type Schedule struct {
	ID          string   `json:"id"`
	Days        []string `json:"days"`
	Time        string   `json:"time"`
	Enabled     bool     `json:"enabled"`
	CreatedAtMS int64    `json:"createdAt"`
}
