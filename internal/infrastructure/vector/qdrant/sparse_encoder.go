package qdrant

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
)

type sparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

const (
	queryBM25K     = 1.2
	maxSparseTerms = 256
)

// encodeSparseQuery hashes query tokens into the sparse term space. Document
// vectors use the same hash, so a shared index means a shared term.
func encodeSparseQuery(tokens []string) sparseVector {
	termFreq := make(map[uint32]float64, len(tokens))
	for _, token := range tokens {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		termFreq[hashToken(token)]++
	}
	return termFreqToSparse(termFreq, queryBM25K)
}

func termFreqToSparse(tf map[uint32]float64, k float64) sparseVector {
	if len(tf) == 0 {
		return sparseVector{}
	}
	indices := make([]uint32, 0, len(tf))
	for idx := range tf {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	if len(indices) > maxSparseTerms {
		indices = indices[:maxSparseTerms]
	}

	values := make([]float32, 0, len(indices))
	for _, idx := range indices {
		tfValue := tf[idx]
		weight := (tfValue * (k + 1.0)) / (tfValue + k)
		if math.IsNaN(weight) || math.IsInf(weight, 0) {
			weight = 0
		}
		values = append(values, float32(weight))
	}

	return sparseVector{Indices: indices, Values: values}
}

func hashToken(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	sum := h.Sum32()
	if sum == 0 {
		return 1
	}
	return sum
}
