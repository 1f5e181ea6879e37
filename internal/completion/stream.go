package completion

import (
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// decodeLine extracts the content token from one server-sent line.
// It reports done when the terminal marker is seen. Blank lines, comments,
// malformed JSON, and payloads without choices all yield ok=false.
func decodeLine(line string) (token string, ok, done bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return "", false, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == doneMarker {
		return "", false, true
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false, false
	}
	if len(chunk.Choices) == 0 {
		return "", false, false
	}
	return chunk.Choices[0].Delta.Content, true, false
}
