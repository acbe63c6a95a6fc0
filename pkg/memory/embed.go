package memory

import (
	"encoding/binary"
	"math"
	"strings"
	"sync"
)

// maxVocabSize caps the vocabulary so embeddings stay bounded.
const maxVocabSize = 10000

// Embedder produces local term-frequency embeddings. No network calls;
// the vocabulary is built incrementally from the content it sees.
// Vectors are comparable as long as they come from the same Embedder,
// since index positions are assigned in vocabulary order.
type Embedder struct {
	mu    sync.Mutex
	vocab map[string]int
}

// NewEmbedder creates an embedder with an empty vocabulary.
func NewEmbedder() *Embedder {
	return &Embedder{vocab: make(map[string]int)}
}

// Embed converts text into a normalized term-frequency vector. The
// vector's length equals the vocabulary size at call time; comparisons
// tolerate length differences by treating missing dimensions as zero.
func (e *Embedder) Embed(text string) []float32 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	e.mu.Lock()
	for _, tok := range tokens {
		if _, ok := e.vocab[tok]; !ok && len(e.vocab) < maxVocabSize {
			e.vocab[tok] = len(e.vocab)
		}
	}
	vec := make([]float32, len(e.vocab))
	for _, tok := range tokens {
		if idx, ok := e.vocab[tok]; ok {
			vec[idx]++
		}
	}
	e.mu.Unlock()

	normalize32(vec)
	return vec
}

// VocabSize returns the current vocabulary size.
func (e *Embedder) VocabSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vocab)
}

// tokenize lowercases and splits on non-alphanumeric runs, dropping
// single-character tokens.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 1 {
			tokens = append(tokens, current.String())
		}
		current.Reset()
	}
	if current.Len() > 1 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func normalize32(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// CosineSimilarity computes the cosine of the angle between two
// vectors. Vectors of different lengths are compared over the shorter
// prefix; missing dimensions count as zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, v := range a {
		normA += float64(v) * float64(v)
	}
	for _, v := range b {
		normB += float64(v) * float64(v)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MarshalEmbedding serializes a vector as little-endian float32 bytes
// for BLOB storage.
func MarshalEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// UnmarshalEmbedding deserializes little-endian float32 bytes.
func UnmarshalEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}

// RRFScore computes a reciprocal rank fusion score from two rank
// positions (1-based; 0 means absent from that list).
func RRFScore(textRank, vectorRank int, k float64) float64 {
	var score float64
	if textRank > 0 {
		score += 1.0 / (k + float64(textRank))
	}
	if vectorRank > 0 {
		score += 1.0 / (k + float64(vectorRank))
	}
	return score
}
