package decode

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \\t]*\\r?\\n?(.*?)```")

// ExtractFenced returns the body of the first fenced code block in text.
func ExtractFenced(text string) (string, bool) {
	m := fencedBlock.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ParseStructured decodes a fenced block into out, falling back to the
// whole text. Both failing yields ErrStructuredParse.
func ParseStructured(text string, out any) error {
	var fencedErr error
	if body, ok := ExtractFenced(text); ok {
		if fencedErr = json.Unmarshal([]byte(body), out); fencedErr == nil {
			return nil
		}
	}
	raw := strings.TrimSpace(text)
	err := json.Unmarshal([]byte(raw), out)
	if err == nil {
		return nil
	}
	if fencedErr != nil {
		err = fencedErr
	}
	return fmt.Errorf("%w: %v", ErrStructuredParse, err)
}
