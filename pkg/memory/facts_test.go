package memory

import "testing"

func TestDecodeFactsArray(t *testing.T) {
	raw := `[{"content": "Alice lives in Kyoto", "importance": 0.9,
		"entities": [{"name": "Alice", "type": "person"}, {"name": "Kyoto", "type": "place"}],
		"relations": [{"from": "Alice", "to": "Kyoto", "type": "LIVES_IN"}]},
		"bare string fact"]`

	facts, err := decodeFacts(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
	if facts[0].Importance != 0.9 || len(facts[0].Entities) != 2 || len(facts[0].Relations) != 1 {
		t.Fatalf("structured fact wrong: %+v", facts[0])
	}
	if facts[1].Content != "bare string fact" || facts[1].Importance != 0.5 {
		t.Fatalf("string fact should get default importance: %+v", facts[1])
	}
}

func TestDecodeFactsWrappedObject(t *testing.T) {
	raw := `{"extracted_facts": [{"fact": "the standup is at 10am"}]}`
	facts, err := decodeFacts(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "the standup is at 10am" {
		t.Fatalf("wrapped list not found: %+v", facts)
	}
}

func TestDecodeFactsBareString(t *testing.T) {
	facts, err := decodeFacts(`"just one fact"`)
	if err != nil || len(facts) != 1 || facts[0].Content != "just one fact" {
		t.Fatalf("bare JSON string: %+v err=%v", facts, err)
	}

	facts, err = decodeFacts("not json at all")
	if err != nil || len(facts) != 1 || facts[0].Content != "not json at all" {
		t.Fatalf("non-JSON text should become one fact: %+v err=%v", facts, err)
	}
}

func TestDecodeFactsEmpty(t *testing.T) {
	for _, raw := range []string{`{"facts": []}`, `[]`, `""`, ""} {
		facts, err := decodeFacts(raw)
		if err != nil || len(facts) != 0 {
			t.Fatalf("empty payload %q: %+v err=%v", raw, facts, err)
		}
	}
}

func TestDecodeFactsCodeFence(t *testing.T) {
	raw := "```json\n[{\"content\": \"fenced\"}]\n```"
	facts, err := decodeFacts(raw)
	if err != nil || len(facts) != 1 || facts[0].Content != "fenced" {
		t.Fatalf("fenced JSON: %+v err=%v", facts, err)
	}
}

func TestDecodeFactsImportanceTolerance(t *testing.T) {
	raw := `[{"content": "a", "importance": "0.7"}, {"content": "b", "importance": "high"}]`
	facts, err := decodeFacts(raw)
	if err != nil || len(facts) != 2 {
		t.Fatalf("decode: %+v err=%v", facts, err)
	}
	if facts[0].Importance != 0.7 {
		t.Fatalf("numeric string importance: %f", facts[0].Importance)
	}
	if facts[1].Importance != 0.5 {
		t.Fatalf("unparseable importance should default: %f", facts[1].Importance)
	}
}

func TestEntityIDNamespacing(t *testing.T) {
	a := entityID("Apple", "company")
	b := entityID("Apple", "fruit")
	if a == b {
		t.Fatal("same name with different types must produce distinct ids")
	}
	if entityID("apple", "company") != a {
		t.Fatal("entity ids must be case-insensitive on name")
	}
	if len(a) != 16 {
		t.Fatalf("id should be 16 hex chars, got %q", a)
	}
}

func TestExtractEntities(t *testing.T) {
	got := extractEntities("Alice met Bob at the v2 launch in 東京タワー yesterday")
	names := map[string]bool{}
	for _, e := range got {
		names[e.Name] = true
	}
	for _, want := range []string{"Alice", "Bob", "v2", "東京タワー"} {
		if !names[want] {
			t.Fatalf("missing entity %q in %v", want, got)
		}
	}
	if names["the"] || names["yesterday"] {
		t.Fatalf("lowercase words should not be entities: %v", got)
	}
}
