package interpreter

import (
	"path"
	"regexp"
	"strings"

	"github.com/ethank2222/TriniTeam/internal/model"
)

// minContentLength is the shortest block content kept as an artifact
const minContentLength = 10

var (
	fencePattern     = regexp.MustCompile("(?s)```([^\\n`]*)\\n(.*?)```")
	explicitInfo     = regexp.MustCompile(`(?i)^(?:[\w+-]+\s+)?(?:filename|file)\s*:\s*(.+)$`)
	pathInfo         = regexp.MustCompile(`^[\w./-]*[\w-]\.[A-Za-z0-9]+$`)
	filenameLine     = regexp.MustCompile(`(?i)^[#*\s>-]*(?:filename|file\s+name)\s*:\s*(.+)$`)
	fileHeaderLine   = regexp.MustCompile(`(?i)^[#*\s>-]*file\s*:\s*(.+)$`)
	createFileLine   = regexp.MustCompile(`(?i)^[#*\s>-]*create\s+(?:a\s+)?(?:new\s+)?file\s*:?\s*(.+)$`)
	illegalFileChars = regexp.MustCompile(`[<>:"\\|?*\x00-\x1f\s]`)
	controlChars     = regexp.MustCompile("[\x01-\x08\x0B\x0C\x0E-\x1F\x7F]")
	trailingSpace    = regexp.MustCompile(`(?m)[ \t]+$`)
)

// extensionless file names accepted without a dot
var extensionless = map[string]bool{
	"Dockerfile": true,
	"Makefile":   true,
	"Procfile":   true,
}

// block is one fenced code block and the line right before it
type block struct {
	info    string
	content string
	before  string
}

func fencedBlocks(text string) []block {
	var blocks []block
	for _, m := range fencePattern.FindAllStringSubmatchIndex(text, -1) {
		blocks = append(blocks, block{
			info:    text[m[2]:m[3]],
			content: text[m[4]:m[5]],
			before:  lastLine(text[:m[0]]),
		})
	}
	return blocks
}

func lastLine(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// namingRule proposes a filename for a block, from most to least explicit
type namingRule struct {
	name  string
	apply func(b block) string
}

var namingRules = []namingRule{
	{"fence filename marker", func(b block) string { return submatch(explicitInfo, b.info) }},
	{"fence path", func(b block) string {
		info := strings.TrimSpace(b.info)
		if pathInfo.MatchString(info) {
			return info
		}
		return ""
	}},
	{"filename line", func(b block) string { return submatch(filenameLine, b.before) }},
	{"file header", func(b block) string { return submatch(fileHeaderLine, b.before) }},
	{"create file header", func(b block) string { return submatch(createFileLine, b.before) }},
	{"content inference", func(b block) string { return InferFilename(b.content) }},
}

func submatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return ""
	}
	return m[1]
}

// inferenceRule maps a content fingerprint to a default filename
type inferenceRule struct {
	filename string
	match    func(code, lower string) bool
}

// inferenceRules is evaluated in order; the first match names the block
var inferenceRules = []inferenceRule{
	{"app.py", func(code, _ string) bool {
		return strings.Contains(code, "import ") && (strings.Contains(code, "def ") || strings.Contains(code, "class "))
	}},
	{"App.jsx", func(code, lower string) bool {
		return isScript(code) && strings.Contains(lower, "react")
	}},
	{"app.js", func(code, _ string) bool { return isScript(code) }},
	{"index.html", func(_, lower string) bool {
		return strings.Contains(lower, "<html") || strings.Contains(lower, "<!doctype")
	}},
	{"package.json", func(code, _ string) bool {
		return strings.Contains(code, "{") && strings.Contains(code, "}") &&
			(strings.Contains(code, `"name"`) || strings.Contains(code, `"version"`))
	}},
	{"requirements.txt", func(_, lower string) bool {
		return strings.Contains(lower, "from ") && strings.Contains(lower, "import ")
	}},
	{"docker-compose.yml", func(_, lower string) bool {
		return strings.Contains(lower, "version:") || strings.Contains(lower, "services:")
	}},
	{"Dockerfile", func(code, _ string) bool {
		return strings.Contains(code, "FROM ") && strings.Contains(code, "RUN ")
	}},
}

func isScript(code string) bool {
	return strings.Contains(code, "function ") || strings.Contains(code, "const ") ||
		strings.Contains(code, "let ") || strings.Contains(code, "var ")
}

// InferFilename names a block from its content, or returns "" when no
// rule matches. Task-list objects are never named.
func InferFilename(content string) string {
	if strings.Contains(content, `"tasks"`) {
		return ""
	}
	lower := strings.ToLower(content)
	for _, rule := range inferenceRules {
		if rule.match(content, lower) {
			return rule.filename
		}
	}
	return ""
}

// ExtractArtifacts returns the named file blocks in text. Each fenced block
// yields at most one artifact, named by the first rule that produces a
// valid filename. Later blocks overwrite earlier ones with the same name.
func ExtractArtifacts(text string) []model.Artifact {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var artifacts []model.Artifact
	index := make(map[string]int)
	for _, b := range fencedBlocks(text) {
		content, ok := CleanContent(b.content)
		if !ok {
			continue
		}
		for _, rule := range namingRules {
			name, ok := SanitizeFilename(rule.apply(b))
			if !ok {
				continue
			}
			if i, seen := index[name]; seen {
				artifacts[i].Content = content
			} else {
				index[name] = len(artifacts)
				artifacts = append(artifacts, model.Artifact{Name: name, Content: content})
			}
			break
		}
	}
	return artifacts
}

// SanitizeFilename cleans a proposed filename. Illegal characters become
// underscores; the result must be a relative path of at least three
// characters with an extension (or a known extensionless name).
func SanitizeFilename(name string) (string, bool) {
	name = strings.Trim(name, " \t`'\"*()[]")
	if name == "" {
		return "", false
	}

	name = strings.ReplaceAll(name, "\\", "/")
	name = illegalFileChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, "/")
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", false
		}
	}
	name = path.Clean(name)

	if len(name) < 3 {
		return "", false
	}
	base := path.Base(name)
	if !extensionless[base] {
		if ext := path.Ext(base); ext == "" || ext == "." {
			return "", false
		}
	}
	return name, true
}

// CleanContent strips control characters, normalizes line endings and
// trims trailing whitespace. Content shorter than minContentLength is
// rejected.
func CleanContent(content string) (string, bool) {
	cleaned := strings.ReplaceAll(content, "\x00", "")
	cleaned = strings.ReplaceAll(cleaned, "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	cleaned = controlChars.ReplaceAllString(cleaned, "")
	cleaned = trailingSpace.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)

	if len(cleaned) < minContentLength {
		return "", false
	}
	return cleaned, true
}
