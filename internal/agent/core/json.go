package core

import "strings"

// extractJSONBlock pulls the first JSON object out of an LLM response.
// Fenced ```json blocks win; otherwise the first balanced-brace object is
// taken. Returns "" when no object is present.
func extractJSONBlock(response string) string {
	if idx := strings.Index(response, "```json"); idx != -1 {
		rest := response[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end != -1 {
			if block := strings.TrimSpace(rest[:end]); block != "" {
				return block
			}
		}
	}

	start := -1
	depth := 0
	for i, ch := range response {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return response[start : i+1]
			}
		}
	}
	return ""
}
