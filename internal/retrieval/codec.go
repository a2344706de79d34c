package retrieval

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector serializes a float32 slice to little-endian bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes little-endian bytes into a new float32 slice.
// A length that is not a multiple of 4 means the blob is corrupt.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns dot(a,b) / (|a| |b|). Vectors of different length
// or with a zero norm score 0.
func CosineSimilarity(a, b []float32) float64 {
	return cosineWithNorm(a, norm(a), b)
}

// cosineWithNorm is CosineSimilarity with the L2 norm of a precomputed.
func cosineWithNorm(a []float32, aNorm float64, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	sim := dot / (aNorm * math.Sqrt(bNormSq))
	// Rounding can push unit-vector self-similarity just past 1.
	return math.Max(-1, math.Min(1, sim))
}
