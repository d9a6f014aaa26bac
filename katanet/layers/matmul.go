package layers

import (
	"github.com/hailam/kaya/katanet/desc"
	"github.com/hailam/kaya/katanet/tensor"
)

// MatMul multiplies [B,in] rows by an [in,out] weight matrix.
type MatMul struct {
	name    string
	in, out int
	weights *tensor.Tensor
}

func NewMatMul(arena *tensor.Arena, d *desc.DenseLayer) (*MatMul, error) {
	if d.InChannels < 1 || d.OutChannels < 1 || len(d.Weights) != d.InChannels*d.OutChannels {
		return nil, shapeErr(d.Name, "%d weights for %d->%d", len(d.Weights), d.InChannels, d.OutChannels)
	}
	w, err := arena.FromSlice([]int{d.InChannels, d.OutChannels}, d.Weights)
	if err != nil {
		return nil, shapeErr(d.Name, "%v", err)
	}
	return &MatMul{name: d.Name, in: d.InChannels, out: d.OutChannels, weights: w}, nil
}

func (m *MatMul) Name() string { return m.name }

// OutChannels returns the width of the result rows.
func (m *MatMul) OutChannels() int { return m.out }

func (m *MatMul) Tensors() []*tensor.Tensor { return []*tensor.Tensor{m.weights} }

// Apply returns x * W as a new [B,out] tensor.
func (m *MatMul) Apply(s *tensor.Arena, x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank(m.name, x, 2); err != nil {
		return nil, err
	}
	if x.Dim(1) != m.in {
		return nil, shapeErr(m.name, "input %v has %d columns, want %d", x.Shape(), x.Dim(1), m.in)
	}
	y := s.Alloc(x.Dim(0), m.out)
	if x.Dim(0) > 0 {
		gemm(x.Dim(0), m.in, m.out, x.Data(), m.weights.Data(), y.Data())
	}
	return y, nil
}

// MatBias adds a bias row to every row of a [B,C] tensor.
type MatBias struct {
	name     string
	channels int
	bias     *tensor.Tensor
}

func NewMatBias(arena *tensor.Arena, d *desc.BiasRow) (*MatBias, error) {
	if d.NumChannels < 1 || len(d.Weights) != d.NumChannels {
		return nil, shapeErr(d.Name, "%d bias values, want %d", len(d.Weights), d.NumChannels)
	}
	b, err := arena.FromSlice([]int{d.NumChannels}, d.Weights)
	if err != nil {
		return nil, shapeErr(d.Name, "%v", err)
	}
	return &MatBias{name: d.Name, channels: d.NumChannels, bias: b}, nil
}

func (m *MatBias) Name() string { return m.name }

func (m *MatBias) Tensors() []*tensor.Tensor { return []*tensor.Tensor{m.bias} }

// Apply returns x + bias as a new tensor.
func (m *MatBias) Apply(s *tensor.Arena, x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank(m.name, x, 2); err != nil {
		return nil, err
	}
	if x.Dim(1) != m.channels {
		return nil, shapeErr(m.name, "input %v has %d columns, want %d", x.Shape(), x.Dim(1), m.channels)
	}
	y := s.Alloc(x.Shape()...)
	src, dst, bias := x.Data(), y.Data(), m.bias.Data()
	for i := range src {
		dst[i] = src[i] + bias[i%m.channels]
	}
	return y, nil
}
