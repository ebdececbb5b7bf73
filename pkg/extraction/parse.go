package extraction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	thinkPattern     = regexp.MustCompile(`(?s)<think>.*?</think>`)
	codeBlockPattern = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9]*)\\s*(.*?)\\s*```")
)

// cleanResponse strips reasoning tags and code fences models wrap JSON in.
func cleanResponse(s string) string {
	s = strings.TrimSpace(thinkPattern.ReplaceAllString(s, ""))
	if m := codeBlockPattern.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start > 0 && end > start {
		s = s[start : end+1]
	}
	return s
}

type factsResponse struct {
	Facts []json.RawMessage `json:"facts"`
}

// parseFacts reads {"facts": [...]}. Entries may be strings or objects with a
// "fact" or "text" field plus optional "metadata".
func parseFacts(response string) ([]Fact, error) {
	cleaned := cleanResponse(response)
	if cleaned == "" {
		return nil, nil
	}

	var parsed factsResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse facts JSON: %w", err)
	}

	facts := make([]Fact, 0, len(parsed.Facts))
	for _, raw := range parsed.Facts {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			if text = strings.TrimSpace(text); text != "" {
				facts = append(facts, Fact{Content: text})
			}
			continue
		}

		var obj struct {
			Fact     string                 `json:"fact"`
			Text     string                 `json:"text"`
			Metadata map[string]interface{} `json:"metadata"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("unexpected fact entry %s: %w", raw, err)
		}
		content := strings.TrimSpace(obj.Fact)
		if content == "" {
			content = strings.TrimSpace(obj.Text)
		}
		if content != "" {
			facts = append(facts, Fact{Content: content, Metadata: obj.Metadata})
		}
	}
	return facts, nil
}

// flexibleID accepts ids encoded as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %s", data)
	}
	*f = flexibleID(n.String())
	return nil
}

type memoryAction struct {
	ID        flexibleID `json:"id"`
	Text      string     `json:"text"`
	Event     string     `json:"event"`
	OldMemory string     `json:"old_memory"`
	Reason    string     `json:"reason"`
}

type memoryResponse struct {
	Memory []memoryAction `json:"memory"`
}

func parseMemoryActions(response string) ([]memoryAction, error) {
	cleaned := cleanResponse(response)
	if cleaned == "" {
		return nil, fmt.Errorf("empty classification response")
	}

	var parsed memoryResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse memory actions JSON: %w", err)
	}
	return parsed.Memory, nil
}
