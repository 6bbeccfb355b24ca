package embed

import (
	"context"
	"math"
	"sort"
)

// TFIDF generates TF-IDF bag-of-words embeddings as a fallback when no
// model server is reachable. Its vocabulary is fixed at construction.
type TFIDF struct {
	vocab []string           // ordered vocabulary (top terms by doc frequency)
	idf   map[string]float64 // inverse document frequency per term
	dims  int
}

// NewTFIDF builds a TF-IDF embedder from existing memory summaries.
func NewTFIDF(docs []string, maxTerms int) *TFIDF {
	if maxTerms <= 0 {
		maxTerms = 512
	}

	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range tokenize(doc) {
			if !seen[term] {
				df[term]++
				seen[term] = true
			}
		}
	}

	type termFreq struct {
		term string
		freq int
	}
	terms := make([]termFreq, 0, len(df))
	for t, f := range df {
		terms = append(terms, termFreq{t, f})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].freq != terms[j].freq {
			return terms[i].freq > terms[j].freq
		}
		return terms[i].term < terms[j].term
	})

	dims := min(maxTerms, len(terms))
	if dims == 0 {
		dims = 1 // minimum dimension to avoid zero-length vectors
	}

	vocab := make([]string, dims)
	idf := make(map[string]float64, dims)
	numDocs := float64(max(len(docs), 1))
	for i := 0; i < dims && i < len(terms); i++ {
		vocab[i] = terms[i].term
		// IDF = log(N / df) + 1 (smoothed)
		idf[vocab[i]] = math.Log(numDocs/float64(terms[i].freq)) + 1.0
	}

	return &TFIDF{vocab: vocab, idf: idf, dims: dims}
}

func (t *TFIDF) Model() string   { return "tfidf" }
func (t *TFIDF) Dimensions() int { return t.dims }

// Embed generates a normalized TF-IDF vector. Text sharing no terms with
// the vocabulary yields a zero vector, which matches nothing.
func (t *TFIDF) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, t.dims)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}

	tf := make(map[string]int)
	maxTF := 0
	for _, tok := range tokens {
		tf[tok]++
		maxTF = max(maxTF, tf[tok])
	}

	for i, term := range t.vocab {
		count := tf[term]
		if count == 0 {
			continue
		}
		// Augmented TF to prevent bias towards longer documents
		augTF := 0.5 + 0.5*float64(count)/float64(maxTF)
		idf := t.idf[term]
		if idf == 0 {
			idf = 1.0
		}
		vec[i] = float32(augTF * idf)
	}

	normalize(vec)
	return vec, nil
}
