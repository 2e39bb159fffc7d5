package messagequeue

// RunJobPayload is the schema for runs.execute messages.
type RunJobPayload struct {
	RunID     string         `json:"run_id"`
	ToolID    string         `json:"tool_id"`
	Args      map[string]any `json:"args"`
	UserID    string         `json:"user_id"`
	RequestID string         `json:"request_id,omitempty"`
}

// RunEventPayload is the schema for runs.events messages.
type RunEventPayload struct {
	RunID    string `json:"run_id"`
	ToolID   string `json:"tool_id"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
}
