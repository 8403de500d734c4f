package dataset

import "math/rand"

// randomDihedral picks one of the eight flip/rotation combinations. Non-square
// planes only get the four that keep their shape.
func randomDihedral(rng *rand.Rand, square bool) int {
	if square {
		return rng.Intn(8)
	}
	return []int{0, 2, 4, 6}[rng.Intn(4)]
}

// dihedral returns a transformed copy of an h×w plane: op%4 counter-clockwise
// quarter turns, preceded by a horizontal flip when op >= 4.
func dihedral(src []float32, h, w, op int) ([]float32, int, int) {
	out := append([]float32(nil), src...)
	if op >= 4 {
		for y := 0; y < h; y++ {
			row := out[y*w : (y+1)*w]
			for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
	for k := 0; k < op%4; k++ {
		out, h, w = rot90(out, h, w)
	}
	return out, h, w
}

// rot90 rotates counter-clockwise: out[i][j] = in[j][w-1-i].
func rot90(src []float32, h, w int) ([]float32, int, int) {
	out := make([]float32, len(src))
	for i := 0; i < w; i++ {
		for j := 0; j < h; j++ {
			out[i*h+j] = src[j*w+w-1-i]
		}
	}
	return out, w, h
}

// padTo zero-pads the bottom and right so both sides are multiples of m.
func padTo(src []float32, h, w, m int) ([]float32, int, int) {
	if m <= 1 || (h%m == 0 && w%m == 0) {
		return src, h, w
	}
	ph := (h + m - 1) / m * m
	pw := (w + m - 1) / m * m
	out := make([]float32, ph*pw)
	for y := 0; y < h; y++ {
		copy(out[y*pw:y*pw+w], src[y*w:(y+1)*w])
	}
	return out, ph, pw
}

// Unpad crops padding added by the dataset from a row-major h×w plane.
func Unpad(src []float32, h, w int, padNums []int) ([]float32, int, int) {
	if len(padNums) < 2 || (padNums[0] == 0 && padNums[1] == 0) {
		return src, h, w
	}
	oh, ow := h-padNums[0], w-padNums[1]
	out := make([]float32, oh*ow)
	for y := 0; y < oh; y++ {
		copy(out[y*ow:(y+1)*ow], src[y*w:y*w+ow])
	}
	return out, oh, ow
}
