package interpreter

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethank2222/TriniTeam/internal/model"
)

var (
	unquotedKey   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	bareValue     = regexp.MustCompile(`(:\s*)([A-Za-z][A-Za-z0-9_]*)(\s*[,}\]])`)
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// TaskEntry is one normalized entry of a structured task list. AgentID is
// filled by Interpret when the name resolves.
type TaskEntry = model.TaskSpec

// ParseTaskList finds the tasks object in text and returns its valid
// entries. Each candidate object gets one strict parse and at most one
// repaired reparse. Invalid entries are dropped individually; the count of
// dropped entries is returned alongside.
func ParseTaskList(text string) ([]TaskEntry, int, error) {
	candidates := taskListCandidates(text)
	if len(candidates) == 0 {
		return nil, 0, ErrNoTaskList
	}

	var lastErr error
	for _, raw := range candidates {
		entries, err := decodeTaskList(raw)
		if err != nil {
			repaired := repairJSON(raw)
			if repaired == raw {
				lastErr = err
				continue
			}
			if entries, err = decodeTaskList(repaired); err != nil {
				lastErr = err
				continue
			}
		}

		var valid []TaskEntry
		dropped := 0
		for _, e := range entries {
			entry, ok := normalizeEntry(e)
			if !ok {
				dropped++
				continue
			}
			valid = append(valid, entry)
		}
		return valid, dropped, nil
	}
	return nil, 0, fmt.Errorf("%w: %v", ErrTaskListParse, lastErr)
}

// decodeTaskList strictly decodes {"tasks": [...]} keeping entries raw
func decodeTaskList(raw string) ([]json.RawMessage, error) {
	var envelope struct {
		Tasks []json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, err
	}
	if envelope.Tasks == nil {
		return nil, fmt.Errorf("tasks array missing")
	}
	return envelope.Tasks, nil
}

// repairJSON applies the bounded set of textual fixes outside string
// literals: quote bare keys, quote bare word values, drop trailing commas.
func repairJSON(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 16)

	start := 0
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				b.WriteString(raw[start : i+1])
				start = i + 1
			}
			continue
		}
		if c == '"' {
			b.WriteString(repairUnquoted(raw[start:i]))
			inString = true
			start = i
		}
	}
	if inString {
		b.WriteString(raw[start:])
	} else {
		b.WriteString(repairUnquoted(raw[start:]))
	}
	return b.String()
}

// repairUnquoted fixes one run of text that lies outside any string literal
func repairUnquoted(s string) string {
	fixed := unquotedKey.ReplaceAllString(s, `$1"$2":`)
	fixed = bareValue.ReplaceAllStringFunc(fixed, func(m string) string {
		parts := bareValue.FindStringSubmatch(m)
		switch parts[2] {
		case "true", "false", "null":
			return m
		}
		return parts[1] + `"` + parts[2] + `"` + parts[3]
	})
	return trailingComma.ReplaceAllString(fixed, "$1")
}

// taskListCandidates returns possible tasks objects in priority order:
// json fences, other fences, then a bare object around "tasks".
func taskListCandidates(text string) []string {
	var jsonFences, otherFences []string
	for _, b := range fencedBlocks(text) {
		if !strings.Contains(b.content, "tasks") {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(b.info), "json") {
			jsonFences = append(jsonFences, strings.TrimSpace(b.content))
		} else {
			otherFences = append(otherFences, strings.TrimSpace(b.content))
		}
	}

	candidates := append(jsonFences, otherFences...)
	if bare := bareTasksObject(text); bare != "" {
		candidates = append(candidates, bare)
	}
	return candidates
}

// bareTasksObject returns the balanced {...} enclosing the first "tasks" key
func bareTasksObject(text string) string {
	idx := strings.Index(text, `"tasks"`)
	if idx < 0 {
		idx = strings.Index(text, "tasks:")
	}
	if idx < 0 {
		return ""
	}
	start := strings.LastIndex(text[:idx], "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// normalizeEntry validates one raw entry. Agent and a description of at
// least MinDescriptionLength characters are required.
func normalizeEntry(raw json.RawMessage) (TaskEntry, bool) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return TaskEntry{}, false
	}

	agent := normalizeName(coerceString(fields["agent"]))
	if agent == "" {
		return TaskEntry{}, false
	}
	description := strings.Join(strings.Fields(coerceString(fields["description"])), " ")
	if len(description) < model.MinDescriptionLength {
		return TaskEntry{}, false
	}

	return TaskEntry{
		Agent:         agent,
		Description:   description,
		Priority:      coercePriority(fields["priority"]),
		Dependencies:  coerceStrings(fields["dependencies"]),
		FilesExpected: coerceStrings(fields["files_expected"]),
	}, true
}

func coerceString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func coercePriority(v interface{}) int {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return model.DefaultPriority
		}
		return model.ClampPriority(int(math.Round(val)))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return model.DefaultPriority
		}
		return model.ClampPriority(n)
	default:
		return model.DefaultPriority
	}
}

func coerceStrings(v interface{}) []string {
	var out []string
	switch val := v.(type) {
	case []interface{}:
		for _, item := range val {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
	case string:
		if s := strings.TrimSpace(val); s != "" {
			out = append(out, s)
		}
	}
	return out
}
