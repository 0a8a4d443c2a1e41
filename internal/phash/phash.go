// Package phash computes DCT-based perceptual hashes of sampled video
// frames and compares videos by mean Hamming distance.
package phash

import (
	"errors"
	"fmt"
	"image"
	"math"
	"math/bits"
	"sort"

	"golang.org/x/image/draw"
)

// ErrHashFailed is returned when too few frames could be extracted to
// produce a trustworthy hash.
var ErrHashFailed = errors.New("too few frames hashed")

// FrameHash is a W*W-bit perceptual hash of a single frame, packed into
// 64-bit words.
type FrameHash struct {
	Bits []uint64
	Size int // number of meaningful bits, W*W
}

// Distance returns the Hamming distance between two frame hashes.
// Hashes of different sizes compare over the shorter bit count.
func (h FrameHash) Distance(other FrameHash) int {
	n := len(h.Bits)
	if len(other.Bits) < n {
		n = len(other.Bits)
	}
	dist := 0
	for i := 0; i < n; i++ {
		dist += bits.OnesCount64(h.Bits[i] ^ other.Bits[i])
	}
	return dist
}

// String renders the hash as hex for logs and reports.
func (h FrameHash) String() string {
	s := ""
	for _, w := range h.Bits {
		s += fmt.Sprintf("%016x", w)
	}
	return s
}

// HashFrame computes the perceptual hash of one frame at the given hash
// width. The frame is reduced to luminance, downsampled to a 4W x 4W grid,
// transformed with a 2D DCT, and the W x W low-frequency block is
// thresholded against its median.
func HashFrame(img image.Image, hashSize int) FrameHash {
	grid := hashSize * 4

	gray := image.NewGray(image.Rect(0, 0, grid, grid))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	pixels := make([][]float64, grid)
	for y := 0; y < grid; y++ {
		pixels[y] = make([]float64, grid)
		for x := 0; x < grid; x++ {
			pixels[y][x] = float64(gray.GrayAt(x, y).Y)
		}
	}

	coeffs := dct2d(pixels)

	// Low-frequency block, flattened row-major.
	low := make([]float64, 0, hashSize*hashSize)
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			low = append(low, coeffs[y][x])
		}
	}

	med := median(low)

	hash := FrameHash{
		Bits: make([]uint64, (hashSize*hashSize+63)/64),
		Size: hashSize * hashSize,
	}
	for i, c := range low {
		if c > med {
			hash.Bits[i/64] |= 1 << (uint(i) % 64)
		}
	}
	return hash
}

// dct2d applies a separable type-II DCT: rows first, then columns.
func dct2d(input [][]float64) [][]float64 {
	n := len(input)
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		rows[i] = dct1d(input[i])
	}

	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	col := make([]float64, n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = rows[y][x]
		}
		transformed := dct1d(col)
		for y := 0; y < n; y++ {
			out[y][x] = transformed[y]
		}
	}
	return out
}

func dct1d(input []float64) []float64 {
	n := len(input)
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += input[i] * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*float64(n)))
		}
		out[k] = sum
	}
	return out
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Similarity returns the mean per-index Hamming distance between two
// videos' frame hash sequences. Sequences of different lengths pair over
// the shorter one. Returns +Inf when either side is empty, so callers
// never group against a missing hash.
func Similarity(a, b []FrameHash) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return math.Inf(1)
	}
	total := 0
	for i := 0; i < n; i++ {
		total += a[i].Distance(b[i])
	}
	return float64(total) / float64(n)
}
