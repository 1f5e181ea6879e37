package completion

import "strings"

// boundaries end a chunk when the buffer ends with one of them.
var boundaries = []string{". ", "! ", "? ", "\n"}

// Chunker groups streamed tokens into sentence- or line-sized chunks for
// delivery, while keeping the full untrimmed reply for the transcript.
type Chunker struct {
	buf  strings.Builder
	full strings.Builder
}

// Push appends token and returns a completed chunk if the buffer now ends
// at a boundary. Chunks are trimmed; empty chunks are never returned.
func (c *Chunker) Push(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	c.full.WriteString(token)
	c.buf.WriteString(token)

	s := c.buf.String()
	for _, b := range boundaries {
		if strings.HasSuffix(s, b) {
			c.buf.Reset()
			chunk := strings.TrimSpace(s)
			return chunk, chunk != ""
		}
	}
	return "", false
}

// Flush returns whatever remains in the buffer as a final chunk.
func (c *Chunker) Flush() (string, bool) {
	chunk := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return chunk, chunk != ""
}

// Reply returns the concatenation of every token pushed so far.
func (c *Chunker) Reply() string {
	return c.full.String()
}
