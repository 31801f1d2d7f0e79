package advisor

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlockRegex = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")

// ExtractJSON finds a JSON document inside free-form model output. It tries,
// in order: the whole text, the first fenced code block, the span from the
// first '{' to the last '}', and the span from the first '[' to the last ']'.
func ExtractJSON(text string) (json.RawMessage, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}

	if json.Valid([]byte(text)) {
		return json.RawMessage(text), true
	}

	if m := fencedBlockRegex.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), true
		}
	}

	if raw, ok := span(text, '{', '}'); ok {
		return raw, true
	}
	if raw, ok := span(text, '[', ']'); ok {
		return raw, true
	}

	return nil, false
}

func span(text string, open, close byte) (json.RawMessage, bool) {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start == -1 || end <= start {
		return nil, false
	}

	candidate := text[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}

// Decode extracts JSON from text and unmarshals it into v.
func Decode(text string, v interface{}) bool {
	raw, ok := ExtractJSON(text)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// stringList accepts a JSON array of strings, a single string, or an array
// mixing strings with objects carrying a "url" field. Anything else decodes
// to an empty list.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*l = stringList{single}
		}
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		*l = nil
		return nil
	}

	out := make(stringList, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			continue
		}

		var obj struct {
			URL  string `json:"url"`
			Src  string `json:"src"`
			Href string `json:"href"`
		}
		if err := json.Unmarshal(item, &obj); err == nil {
			for _, v := range []string{obj.URL, obj.Src, obj.Href} {
				if v != "" {
					out = append(out, v)
					break
				}
			}
		}
	}
	*l = out
	return nil
}
