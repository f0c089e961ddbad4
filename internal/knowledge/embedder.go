package knowledge

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// defaultEmbeddingDim matches the knowledge config default.
const defaultEmbeddingDim = 256

// Embedder maps free-form incident text onto a fixed-length vector by
// feature hashing. Each unigram and adjacent-pair bigram is hashed into
// a bucket with a sign bit so unrelated collisions cancel in
// expectation. Vectors are L2-normalised, making the dot product of two
// embeddings their cosine similarity.
type Embedder struct {
	dim int
}

// NewEmbedder returns an embedder producing dim-length vectors.
func NewEmbedder(dim int) *Embedder {
	if dim <= 0 {
		dim = defaultEmbeddingDim
	}
	return &Embedder{dim: dim}
}

// Dim returns the vector length.
func (e *Embedder) Dim() int { return e.dim }

// Embed converts text into a normalised vector. Text with no tokens
// yields the zero vector.
func (e *Embedder) Embed(text string) []float32 {
	vec := make([]float32, e.dim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		e.add(vec, tok)
		if i+1 < len(tokens) {
			e.add(vec, tok+" "+tokens[i+1])
		}
	}
	normalize(vec)
	return vec
}

// add hashes one feature into its bucket. The top hash bit picks the
// sign, the low bits the bucket, so the two stay independent.
func (e *Embedder) add(vec []float32, feature string) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(e.dim))
	if sum&(1<<63) != 0 {
		vec[bucket]--
	} else {
		vec[bucket]++
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
