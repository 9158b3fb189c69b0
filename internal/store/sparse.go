package store

import (
	"hash/fnv"
	"sort"
	"strings"
	"unicode"
)

// sparseDimensions bounds the hashed term space. Collisions are possible
// and tolerated: colliding terms share an index and their weights merge.
const sparseDimensions = 1_000_000

// SparseVector is a hashed bag-of-words representation. Indices are
// sorted ascending and unique; Values holds the matching term-frequency
// weights.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// IsEmpty reports whether no terms survived tokenization.
func (v SparseVector) IsEmpty() bool {
	return len(v.Indices) == 0
}

// EncodeSparse tokenizes text into a sparse term-frequency vector.
//
// Tokenization: lowercase, strip non-alphanumeric runes, drop terms
// shorter than two characters. Each surviving term hashes (FNV-1a) into
// the bounded index space. Deterministic for identical input.
func EncodeSparse(text string) SparseVector {
	tf := make(map[uint32]float32)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		term := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, tok)
		if len(term) < 2 {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(term))
		tf[h.Sum32()%sparseDimensions]++
	}

	v := SparseVector{
		Indices: make([]uint32, 0, len(tf)),
		Values:  make([]float32, 0, len(tf)),
	}
	for idx := range tf {
		v.Indices = append(v.Indices, idx)
	}
	sort.Slice(v.Indices, func(i, j int) bool { return v.Indices[i] < v.Indices[j] })
	for _, idx := range v.Indices {
		v.Values = append(v.Values, tf[idx])
	}
	return v
}

// fuseRRF merges ranked sublists with Reciprocal Rank Fusion. Each
// candidate contributes 1/(k + rank + 1) per sublist it appears in,
// keyed by point id, summed across sublists. Ties broken by insertion
// order via stable sort.
func fuseRRF(k int, sublists ...[]scoredPoint) []scoredPoint {
	if k <= 0 {
		k = RRFConstant
	}
	type fused struct {
		point scoredPoint
		score float64
		order int
	}
	merged := make(map[string]*fused)
	var seq int
	for _, list := range sublists {
		for rank, pt := range list {
			contribution := 1.0 / float64(k+rank+1)
			if f, ok := merged[pt.ID]; ok {
				f.score += contribution
			} else {
				merged[pt.ID] = &fused{point: pt, score: contribution, order: seq}
				seq++
			}
		}
	}

	out := make([]fused, 0, len(merged))
	for _, f := range merged {
		out = append(out, *f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].order < out[j].order
	})

	result := make([]scoredPoint, len(out))
	for i, f := range out {
		f.point.Score = f.score
		result[i] = f.point
	}
	return result
}

// scoredPoint is an intermediate ranked hit used during fusion.
type scoredPoint struct {
	ID      string
	Score   float64
	Payload ChunkPayload
}
