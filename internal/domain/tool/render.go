package tool

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes {name} placeholders in the command template with
// argument values. Arguments not consumed by a placeholder are appended in
// key order: true booleans as --key, false booleans omitted, everything
// else as --key=value.
func Render(template []string, args map[string]any) []string {
	used := make(map[string]bool, len(args))
	out := make([]string, 0, len(template)+len(args))

	for _, part := range template {
		out = append(out, placeholder.ReplaceAllStringFunc(part, func(m string) string {
			name := m[1 : len(m)-1]
			v, ok := args[name]
			if !ok {
				return m
			}
			used[name] = true
			return Stringify(v)
		}))
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		if !used[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := args[k].(type) {
		case bool:
			if v {
				out = append(out, "--"+k)
			}
		case nil:
		default:
			out = append(out, "--"+k+"="+Stringify(v))
		}
	}
	return out
}

// Env returns RUN_ID, TOOL_ID and one ARG_<KEY> entry per argument, sorted.
func Env(runID, toolID string, args map[string]any) []string {
	env := []string{"RUN_ID=" + runID, "TOOL_ID=" + toolID}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "ARG_"+envKey(k)+"="+Stringify(args[k]))
	}
	return env
}

// Stringify renders an argument value for a command line or environment
// variable. Scalars are printed plainly; lists and objects as JSON.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func envKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(k) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
