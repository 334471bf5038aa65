package memory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const defaultFactImportance = 0.5

// extractedFact is one distilled statement from a consolidation call.
// Relation endpoints are entity names at this stage; the manager resolves
// them to graph ids.
type extractedFact struct {
	Content    string
	Importance float64
	Entities   []Entity
	Relations  []Relation
}

// decodeFacts parses the LLM consolidation output. Models drift between a
// bare array, an object wrapping the array under an arbitrary key, and a
// plain string, so all three shapes are accepted. Returns an error only when
// the payload is not JSON at all and not usable as a single fact.
func decodeFacts(raw string) ([]extractedFact, error) {
	raw = stripCodeFence(raw)
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		// not JSON; treat the whole response as one fact
		return []extractedFact{{Content: strings.TrimSpace(raw), Importance: defaultFactImportance}}, nil
	}

	switch v := parsed.(type) {
	case []any:
		return decodeFactList(v), nil
	case map[string]any:
		for _, field := range v {
			if list, ok := field.([]any); ok {
				return decodeFactList(list), nil
			}
		}
		// an object with no list field may itself be a single fact
		if f, ok := decodeFactValue(v); ok {
			return []extractedFact{f}, nil
		}
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []extractedFact{{Content: strings.TrimSpace(v), Importance: defaultFactImportance}}, nil
	default:
		return nil, fmt.Errorf("unusable consolidation payload of type %T", parsed)
	}
}

func decodeFactList(list []any) []extractedFact {
	var out []extractedFact
	for _, entry := range list {
		if f, ok := decodeFactValue(entry); ok {
			out = append(out, f)
		}
	}
	return out
}

func decodeFactValue(v any) (extractedFact, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return extractedFact{}, false
		}
		return extractedFact{Content: s, Importance: defaultFactImportance}, true
	case map[string]any:
		content := firstString(t, "content", "fact", "text", "statement", "summary")
		if content == "" {
			return extractedFact{}, false
		}
		return extractedFact{
			Content:    content,
			Importance: floatOrDefault(t["importance"], defaultFactImportance),
			Entities:   decodeEntities(t["entities"]),
			Relations:  decodeRelations(t["relations"]),
		}, true
	}
	return extractedFact{}, false
}

func decodeEntities(v any) []Entity {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Entity
	for _, entry := range list {
		switch t := entry.(type) {
		case string:
			name := strings.TrimSpace(t)
			if name != "" {
				out = append(out, Entity{Name: name, Type: defaultEntityType})
			}
		case map[string]any:
			name := firstString(t, "name", "entity")
			if name == "" {
				continue
			}
			entityType := firstString(t, "type", "kind", "category")
			if entityType == "" {
				entityType = defaultEntityType
			}
			out = append(out, Entity{
				Name:        name,
				Type:        entityType,
				Description: firstString(t, "description"),
			})
		}
	}
	return out
}

func decodeRelations(v any) []Relation {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Relation
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		from := firstString(m, "from", "source", "subject")
		to := firstString(m, "to", "target", "object")
		if from == "" || to == "" {
			continue
		}
		relType := firstString(m, "type", "relation", "predicate")
		if relType == "" {
			relType = "RELATED_TO"
		}
		out = append(out, Relation{From: from, To: to, Type: relType})
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func floatOrDefault(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return def
}

// stripCodeFence unwraps ```json ... ``` blocks some models emit even in
// JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
