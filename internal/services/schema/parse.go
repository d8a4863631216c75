package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseExtraction parses the model's response into a field map. Models
// sometimes wrap the JSON in markdown fences despite instructions, so
// fences are stripped before parsing.
func ParseExtraction(response string) (map[string]interface{}, error) {
	jsonContent := response
	if strings.Contains(response, "```json") {
		start := strings.Index(response, "```json") + 7
		end := strings.LastIndex(response, "```")
		if end > start {
			jsonContent = response[start:end]
		}
	} else if strings.Contains(response, "```") {
		start := strings.Index(response, "```") + 3
		end := strings.LastIndex(response, "```")
		if end > start {
			jsonContent = response[start:end]
		}
	}
	jsonContent = strings.TrimSpace(jsonContent)

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(jsonContent), &fields); err != nil {
		return nil, fmt.Errorf("failed to parse extraction JSON: %w", err)
	}
	return fields, nil
}
