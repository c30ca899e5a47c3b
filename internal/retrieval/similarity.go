package retrieval

import (
	"math"
	"slices"

	"github.com/viterin/vek/vek32"
	"gonum.org/v1/gonum/mat"
)

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1, 1]. Zero-norm, empty or mismatched vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := float64(vek32.Dot(a, a))
	nb := float64(vek32.Dot(b, b))
	if na == 0 || nb == 0 {
		return 0
	}
	sim := float64(vek32.Dot(a, b)) / math.Sqrt(na*nb)
	return max(-1, min(1, sim))
}

// Normalize returns a unit-length copy of v. A zero vector is returned as a
// zero copy.
func Normalize(v []float32) []float32 {
	out := slices.Clone(v)
	if len(out) == 0 {
		return out
	}
	n := math.Sqrt(float64(vek32.Dot(out, out)))
	if n == 0 {
		return out
	}
	vek32.MulNumber_Inplace(out, float32(1/n))
	return out
}

// Match is a stored embedding scored against a query.
type Match struct {
	MessageID int64
	Score     float64
}

const scanChunkRows = 4096

// matrixScanner scores a stream of stored vectors against one query. Rows
// are normalized as they arrive and scored a chunk at a time with a single
// matrix-vector product, so memory stays bounded by the chunk size.
type matrixScanner struct {
	dim   int
	query *mat.VecDense
	floor float64

	ids  []int64
	rows []float64
	out  []Match
}

func newMatrixScanner(query []float32, floor float64) *matrixScanner {
	q := Normalize(query)
	data := make([]float64, len(q))
	for i, f := range q {
		data[i] = float64(f)
	}
	return &matrixScanner{
		dim:   len(q),
		query: mat.NewVecDense(len(data), data),
		floor: floor,
	}
}

// add queues a row; rows of the wrong dimension or zero norm are ignored.
func (s *matrixScanner) add(id int64, vec []float32) {
	if len(vec) != s.dim {
		return
	}
	n := math.Sqrt(float64(vek32.Dot(vec, vec)))
	if n == 0 {
		return
	}
	for _, f := range vec {
		s.rows = append(s.rows, float64(f)/n)
	}
	s.ids = append(s.ids, id)
	if len(s.ids) >= scanChunkRows {
		s.flush()
	}
}

func (s *matrixScanner) flush() {
	if len(s.ids) == 0 {
		return
	}
	a := mat.NewDense(len(s.ids), s.dim, s.rows)
	var scores mat.VecDense
	scores.MulVec(a, s.query)
	for i, id := range s.ids {
		score := min(1, scores.AtVec(i))
		if score >= s.floor {
			s.out = append(s.out, Match{MessageID: id, Score: score})
		}
	}
	s.ids = s.ids[:0]
	s.rows = s.rows[:0]
}

// results flushes any queued rows and returns matches sorted by score
// descending, ties broken by newer (higher) id.
func (s *matrixScanner) results() []Match {
	s.flush()
	slices.SortFunc(s.out, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		case a.MessageID > b.MessageID:
			return -1
		case a.MessageID < b.MessageID:
			return 1
		}
		return 0
	})
	return s.out
}
