package lagoon

import (
	"regexp"
	"strings"
)

// codeFence matches a fenced code block with an optional language tag.
var codeFence = regexp.MustCompile("(?s)```[ \\t]*([A-Za-z0-9_+-]*)[ \\t]*\\r?\\n(.*?)```")

// codeLanguages are the fence tags accepted as code. An untagged fence also counts.
var codeLanguages = map[string]bool{
	"": true, "py": true, "python": true, "star": true, "starlark": true, "code": true,
}

// extractCode returns the code blocks in a model response, joined with blank
// lines. It reports false when the response contains no code block.
func extractCode(content string) (string, bool) {
	matches := codeFence.FindAllStringSubmatch(content, -1)
	var blocks []string
	for _, m := range matches {
		if !codeLanguages[strings.ToLower(m[1])] {
			continue
		}
		if code := strings.TrimSpace(m[2]); code != "" {
			blocks = append(blocks, code)
		}
	}
	if len(blocks) == 0 {
		return "", false
	}
	return strings.Join(blocks, "\n\n"), true
}

const missingCodeMessage = "Your response did not contain a code block. Answer with a single ```py ... ``` block; call final_answer(answer) when done."
