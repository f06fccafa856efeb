package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxNoticeDetail = 120

// DescribeTool renders a one-line notice for a tool invocation from its name
// and the most telling input field.
func DescribeTool(name string, input json.RawMessage) string {
	fields := map[string]any{}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &fields)
	}
	field := func(keys ...string) string {
		for _, key := range keys {
			if value, ok := fields[key].(string); ok && strings.TrimSpace(value) != "" {
				return clip(singleLine(value), maxNoticeDetail)
			}
		}
		return ""
	}

	switch name {
	case "Read":
		return withDetail("📖 Reading", field("file_path", "path"))
	case "Write":
		return withDetail("📝 Writing", field("file_path", "path"))
	case "Edit", "MultiEdit", "NotebookEdit":
		return withDetail("✏️ Editing", field("file_path", "notebook_path", "path"))
	case "Bash":
		return withDetail("💻 Running", field("command"))
	case "Grep":
		return withDetail("🔎 Searching for", field("pattern"))
	case "Glob":
		return withDetail("🔎 Finding files matching", field("pattern"))
	case "LS":
		return withDetail("📂 Listing", field("path"))
	case "WebFetch":
		return withDetail("🌐 Fetching", field("url"))
	case "WebSearch":
		return withDetail("🌐 Searching the web for", field("query"))
	case "Task", "Agent":
		if detail := field("description"); detail != "" {
			return "🤖 Delegating: " + detail
		}
		return "🤖 Delegating a subtask"
	case "TodoWrite":
		return "🗒️ Updating the task list"
	}

	label := strings.TrimSpace(name)
	if label == "" {
		label = "a tool"
	}
	return withDetail(fmt.Sprintf("🔧 Using %s", label), field("file_path", "path", "command", "pattern", "url", "query"))
}

func withDetail(action, detail string) string {
	if detail == "" {
		return action
	}
	return action + " `" + strings.ReplaceAll(detail, "`", "'") + "`"
}

func singleLine(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
