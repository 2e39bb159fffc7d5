package plan

import (
	"fmt"
	"slices"
	"strings"
)

const (
	maxHistory      = 20
	summaryMessages = 3
	maxRecentFiles  = 10
)

// Message is one turn of the conversation a plan request came from.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Context is the caller-owned state passed into plan translation. It is
// never stored server-side; callers send it with each request.
type Context struct {
	WorkingDir  string            `json:"working_dir,omitempty"`
	RecentFiles []string          `json:"recent_files,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	History     []Message         `json:"history,omitempty"`
}

// AddMessage appends a turn, keeping the most recent 20.
func (c *Context) AddMessage(role, content string) {
	c.History = append(c.History, Message{Role: role, Content: content})
	if n := len(c.History); n > maxHistory {
		c.History = c.History[n-maxHistory:]
	}
}

// TouchFile records a file as recently used, most recent first.
func (c *Context) TouchFile(path string) {
	out := []string{path}
	for _, f := range c.RecentFiles {
		if f != path {
			out = append(out, f)
		}
	}
	if len(out) > maxRecentFiles {
		out = out[:maxRecentFiles]
	}
	c.RecentFiles = out
}

// Summary renders the context for a planner prompt.
func (c *Context) Summary() string {
	if c == nil {
		return ""
	}
	var parts []string
	if c.WorkingDir != "" {
		parts = append(parts, "Working directory: "+c.WorkingDir)
	}
	if len(c.RecentFiles) > 0 {
		parts = append(parts, "Recent files: "+strings.Join(c.RecentFiles, ", "))
	}
	for _, k := range sortedKeys(c.Preferences) {
		parts = append(parts, fmt.Sprintf("Preference %s: %s", k, c.Preferences[k]))
	}
	h := c.History
	if len(h) > summaryMessages {
		h = h[len(h)-summaryMessages:]
	}
	if len(h) > 0 {
		lines := make([]string, 0, len(h))
		for _, m := range h {
			lines = append(lines, m.Role+": "+m.Content)
		}
		parts = append(parts, "Recent conversation:\n"+strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
