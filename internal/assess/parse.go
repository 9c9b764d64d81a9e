package assess

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	errNoJSON   = errors.New("no JSON object in reply")
	errNoFields = errors.New("reply has none of the assessment fields")
)

var fenceRe = regexp.MustCompile("(?s)```([A-Za-z]*)[ \t]*\r?\n?(.*?)```")

// ExtractJSON finds the JSON object in a model reply: the first ```json fence that holds an
// object, then any other fence that does, then the whole reply if it is a bare object.
func ExtractJSON(reply string) (json.RawMessage, error) {
	matches := fenceRe.FindAllStringSubmatch(reply, -1)
	for _, wantJSON := range []bool{true, false} {
		for _, m := range matches {
			if (strings.EqualFold(m[1], "json")) != wantJSON {
				continue
			}
			if obj, ok := asObject(m[2]); ok {
				return obj, nil
			}
		}
	}
	if obj, ok := asObject(reply); ok {
		return obj, nil
	}
	return nil, errNoJSON
}

func asObject(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !json.Valid([]byte(s)) {
		return nil, false
	}
	return json.RawMessage(s), true
}

// modelReply is the subset of the model's object we use.
type modelReply struct {
	ExecutiveSummary string    `json:"executive_summary"`
	RiskLevel        string    `json:"risk_level"`
	KeyFindings      textItems `json:"key_findings"`
	Recommendations  textItems `json:"recommendations"`
	Confidence       string    `json:"confidence"`
}

func (r modelReply) empty() bool {
	return strings.TrimSpace(r.ExecutiveSummary) == "" && r.RiskLevel == "" &&
		len(r.KeyFindings) == 0 && len(r.Recommendations) == 0
}

// textItems accepts a list of strings, a list of objects, or a single string. Objects are
// reduced to their most descriptive text field.
type textItems []string

var textKeys = []string{"finding", "recommendation", "description", "summary", "title", "text", "action"}

func (t *textItems) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = appendText(nil, s)
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var out []string
	for _, item := range raw {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = appendText(out, s)
			continue
		}
		var obj map[string]any
		if json.Unmarshal(item, &obj) != nil {
			continue
		}
		found := false
		for _, k := range textKeys {
			if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
				out = appendText(out, v)
				found = true
				break
			}
		}
		if !found {
			out = appendText(out, string(item))
		}
	}
	*t = out
	return nil
}

func appendText(list []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		list = append(list, s)
	}
	return list
}

func decodeReply(obj json.RawMessage) (modelReply, error) {
	var r modelReply
	if err := json.Unmarshal(obj, &r); err != nil {
		return r, err
	}
	if r.empty() {
		return r, errNoFields
	}
	return r, nil
}
