package memory //nolint:testpackage // white-box tests for tokenize, normalize32, and internal embed helpers

import (
	"math"
	"testing"
)

func TestEmbedder_SimilarTextRanksHigher(t *testing.T) {
	e := NewEmbedder()

	a := e.Embed("payment service retries with exponential backoff")
	b := e.Embed("backoff and retries in the payment service")
	c := e.Embed("frontend styling uses css modules")

	simAB := CosineSimilarity(a, b)
	simAC := CosineSimilarity(a, c)
	if simAB <= simAC {
		t.Errorf("similar texts should score higher: simAB=%f simAC=%f", simAB, simAC)
	}
	if simAB <= 0.5 {
		t.Errorf("overlapping texts should be clearly similar, got %f", simAB)
	}
}

func TestEmbedder_EmptyText(t *testing.T) {
	e := NewEmbedder()
	if vec := e.Embed(""); vec != nil {
		t.Errorf("expected nil for empty text, got %v", vec)
	}
	if vec := e.Embed("a ! ?"); vec != nil {
		t.Errorf("expected nil when no token survives, got %v", vec)
	}
}

func TestEmbedder_Normalized(t *testing.T) {
	e := NewEmbedder()
	vec := e.Embed("one two three two one one")
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1.0) > 1e-5 {
		t.Errorf("expected unit norm, got %f", sum)
	}
}

func TestEmbedder_VocabGrows(t *testing.T) {
	e := NewEmbedder()
	e.Embed("alpha beta")
	n1 := e.VocabSize()
	e.Embed("gamma delta")
	n2 := e.VocabSize()
	if n2 <= n1 {
		t.Errorf("vocab should grow: %d -> %d", n1, n2)
	}
	e.Embed("alpha beta")
	if e.VocabSize() != n2 {
		t.Errorf("repeat tokens should not grow vocab: %d", e.VocabSize())
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"Hello, World!", []string{"hello", "world"}},
		{"snake_case and CamelCase", []string{"snake", "case", "and", "camelcase"}},
		{"a b c", nil},
		{"version 2 of api42", []string{"version", "of", "api42"}},
	}
	for _, tt := range tests {
		got := tokenize(tt.input)
		if len(got) != len(tt.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tt.input, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("tokenize(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
			}
		}
	}
}

func TestCosineSimilarity_DifferentLengths(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{1, 0, 0, 0}
	if sim := CosineSimilarity(a, b); math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("expected 1.0 over shared prefix, got %f", sim)
	}

	if sim := CosineSimilarity(nil, b); sim != 0 {
		t.Errorf("expected 0 for nil vector, got %f", sim)
	}
	if sim := CosineSimilarity([]float32{0, 0}, []float32{1, 1}); sim != 0 {
		t.Errorf("expected 0 for zero vector, got %f", sim)
	}
}

func TestMarshalUnmarshalEmbedding(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.25, 0}
	data := MarshalEmbedding(vec)
	if len(data) != 16 {
		t.Fatalf("expected 16 bytes, got %d", len(data))
	}

	got := UnmarshalEmbedding(data)
	if len(got) != len(vec) {
		t.Fatalf("round trip length: %d", len(got))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("index %d: %f != %f", i, got[i], vec[i])
		}
	}

	if MarshalEmbedding(nil) != nil {
		t.Error("expected nil for empty vector")
	}
	if UnmarshalEmbedding([]byte{1, 2, 3}) != nil {
		t.Error("expected nil for truncated data")
	}
}

func TestRRFScore(t *testing.T) {
	if got := RRFScore(0, 0, 60); got != 0 {
		t.Errorf("absent from both lists: %f", got)
	}

	both := RRFScore(1, 1, 60)
	textOnly := RRFScore(1, 0, 60)
	if both <= textOnly {
		t.Errorf("appearing in both lists should score higher: %f vs %f", both, textOnly)
	}

	first := RRFScore(1, 0, 60)
	tenth := RRFScore(10, 0, 60)
	if first <= tenth {
		t.Errorf("better rank should score higher: %f vs %f", first, tenth)
	}
}
