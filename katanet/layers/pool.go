package layers

import (
	"math"

	"github.com/hailam/kaya/katanet/tensor"
)

// Pooling scales, derived from the board size. For N = 19 they are 0.5 and
// 0.15.
const (
	GatePoolScale   = float32((BoardSize - 14) * 0.1)
	ValuePoolScale1 = float32((BoardSize - 14) * 0.1)
	ValuePoolScale2 = float32((BoardSize-14)*(BoardSize-14)*0.01 - 0.1)
)

// GatePool reduces x [B,N,N,C] to [B,3C] holding the channel means, the
// means scaled by GatePoolScale and the channel maxima.
func GatePool(s *tensor.Arena, x *tensor.Tensor) (*tensor.Tensor, error) {
	b, c, err := poolShape("gate_pool", x)
	if err != nil {
		return nil, err
	}
	y := s.Alloc(b, 3*c)
	means := make([]float64, c)
	maxes := make([]float32, c)
	src, dst := x.Data(), y.Data()
	area := BoardSize * BoardSize
	for n := 0; n < b; n++ {
		clear(means)
		for i := range maxes {
			maxes[i] = float32(math.Inf(-1))
		}
		img := src[n*area*c : (n+1)*area*c]
		for p := 0; p < area; p++ {
			for j, v := range img[p*c : (p+1)*c] {
				means[j] += float64(v)
				maxes[j] = max(maxes[j], v)
			}
		}
		row := dst[n*3*c : (n+1)*3*c]
		for j := 0; j < c; j++ {
			mean := float32(means[j] / float64(area))
			row[j] = mean
			row[c+j] = mean * GatePoolScale
			row[2*c+j] = maxes[j]
		}
	}
	return y, nil
}

// ValuePool reduces x [B,N,N,C] to [B,3C] holding the channel means scaled
// by 1, ValuePoolScale1 and ValuePoolScale2.
func ValuePool(s *tensor.Arena, x *tensor.Tensor) (*tensor.Tensor, error) {
	b, c, err := poolShape("value_pool", x)
	if err != nil {
		return nil, err
	}
	y := s.Alloc(b, 3*c)
	means := make([]float64, c)
	src, dst := x.Data(), y.Data()
	area := BoardSize * BoardSize
	for n := 0; n < b; n++ {
		clear(means)
		img := src[n*area*c : (n+1)*area*c]
		for p := 0; p < area; p++ {
			for j, v := range img[p*c : (p+1)*c] {
				means[j] += float64(v)
			}
		}
		row := dst[n*3*c : (n+1)*3*c]
		for j := 0; j < c; j++ {
			mean := float32(means[j] / float64(area))
			row[j] = mean
			row[c+j] = mean * ValuePoolScale1
			row[2*c+j] = mean * ValuePoolScale2
		}
	}
	return y, nil
}

func poolShape(name string, x *tensor.Tensor) (batch, channels int, err error) {
	if err := requireRank(name, x, 4); err != nil {
		return 0, 0, err
	}
	if x.Dim(1) != BoardSize || x.Dim(2) != BoardSize {
		return 0, 0, shapeErr(name, "input %v is not %dx%d", x.Shape(), BoardSize, BoardSize)
	}
	return x.Dim(0), x.Dim(3), nil
}
