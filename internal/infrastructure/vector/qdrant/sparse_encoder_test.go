package qdrant

import "testing"

func TestEncodeSparseQueryDeterministic(t *testing.T) {
	v1 := encodeSparseQuery([]string{"entropy", "second", "law"})
	v2 := encodeSparseQuery([]string{"law", "entropy", "second"})
	if len(v1.Indices) != 3 || len(v1.Indices) != len(v2.Indices) {
		t.Fatalf("vector sizes mismatch: v1=%d v2=%d", len(v1.Indices), len(v2.Indices))
	}
	for i := range v1.Indices {
		if v1.Indices[i] != v2.Indices[i] {
			t.Fatalf("indices mismatch at %d: %d vs %d", i, v1.Indices[i], v2.Indices[i])
		}
		if v1.Values[i] != v2.Values[i] {
			t.Fatalf("values mismatch at %d: %f vs %f", i, v1.Values[i], v2.Values[i])
		}
	}
}

func TestEncodeSparseQuerySortsIndices(t *testing.T) {
	v := encodeSparseQuery([]string{"zulu", "alpha", "beta", "gamma"})
	if len(v.Indices) == 0 {
		t.Fatalf("expected non-empty sparse vector")
	}
	for i := 1; i < len(v.Indices); i++ {
		if v.Indices[i-1] > v.Indices[i] {
			t.Fatalf("indices not sorted at %d: %d > %d", i, v.Indices[i-1], v.Indices[i])
		}
	}
}

func TestEncodeSparseQueryRepeatedTermWeighsMore(t *testing.T) {
	once := encodeSparseQuery([]string{"entropy"})
	twice := encodeSparseQuery([]string{"entropy", "ENTROPY"})
	if len(twice.Indices) != 1 {
		t.Fatalf("expected tokens to collapse case-insensitively, got %+v", twice)
	}
	if twice.Values[0] <= once.Values[0] {
		t.Fatalf("expected saturated tf weight to grow: once=%f twice=%f", once.Values[0], twice.Values[0])
	}
}

func TestEncodeSparseQueryEmptyInput(t *testing.T) {
	v := encodeSparseQuery([]string{"", "  "})
	if len(v.Indices) != 0 || len(v.Values) != 0 {
		t.Fatalf("expected empty sparse vector, got %+v", v)
	}
}
