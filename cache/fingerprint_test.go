package cache

import (
	"testing"
)

func baseParams() map[string]interface{} {
	return map[string]interface{}{
		"title":      "I Tried Every Burger",
		"category":   "Food",
		"emotion":    "Excited",
		"intensity":  70,
		"variations": 2,
		"images":     []interface{}{"img-hash-1", "img-hash-2"},
	}
}

// TestFingerprint_Deterministic tests that equal requests share a key.
func TestFingerprint_Deterministic(t *testing.T) {
	a, err := Fingerprint("generate", baseParams(), false)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	// Same values, different construction order.
	reordered := map[string]interface{}{}
	for _, k := range []string{"variations", "images", "intensity", "emotion", "category", "title"} {
		reordered[k] = baseParams()[k]
	}
	b, _ := Fingerprint("generate", reordered, false)

	if a != b {
		t.Errorf("Fingerprint() differs for equal params: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("len(Fingerprint()) = %d, want 64 hex chars", len(a))
	}
}

// TestFingerprint_SensitiveToEveryField tests that any change yields a new key.
func TestFingerprint_SensitiveToEveryField(t *testing.T) {
	base, _ := Fingerprint("generate", baseParams(), false)

	tests := []struct {
		name   string
		kind   string
		mutate func(map[string]interface{})
		mark   bool
	}{
		{"kind", "recreate", func(map[string]interface{}) {}, false},
		{"watermark", "generate", func(map[string]interface{}) {}, true},
		{"title", "generate", func(p map[string]interface{}) { p["title"] = "I Tried Every Pizza" }, false},
		{"intensity", "generate", func(p map[string]interface{}) { p["intensity"] = 71 }, false},
		{"variations", "generate", func(p map[string]interface{}) { p["variations"] = 1 }, false},
		{"image identity", "generate", func(p map[string]interface{}) { p["images"] = []interface{}{"img-hash-1", "img-hash-3"} }, false},
		{"image order", "generate", func(p map[string]interface{}) { p["images"] = []interface{}{"img-hash-2", "img-hash-1"} }, false},
		{"added field", "generate", func(p map[string]interface{}) { p["customPrompt"] = "" }, false},
	}

	seen := map[string]string{base: "base"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := baseParams()
			tt.mutate(p)
			got, err := Fingerprint(tt.kind, p, tt.mark)
			if err != nil {
				t.Fatalf("Fingerprint() error = %v", err)
			}
			if prev, dup := seen[got]; dup {
				t.Errorf("fingerprint for %s collides with %s", tt.name, prev)
			}
			seen[got] = tt.name
		})
	}
}

// TestFingerprint_RejectsUnencodable tests the error path.
func TestFingerprint_RejectsUnencodable(t *testing.T) {
	if _, err := Fingerprint("generate", map[string]interface{}{"ch": make(chan int)}, false); err == nil {
		t.Error("Fingerprint() expected error for channel value")
	}
}

func TestCanonicalize_SortsNestedKeys(t *testing.T) {
	type inner struct {
		Z int `json:"z"`
		A int `json:"a"`
	}
	got, err := Canonicalize(map[string]interface{}{"b": inner{Z: 1, A: 2}, "a": "<x>"})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	want := `{"a":"<x>","b":{"a":2,"z":1}}`
	if string(got) != want {
		t.Errorf("Canonicalize() = %s, want %s", got, want)
	}
}
