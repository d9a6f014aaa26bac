package layers

import "github.com/hailam/kaya/katanet/tensor"

// Add returns a + b for tensors of identical shape.
func Add(s *tensor.Arena, a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(a.Shape(), b.Shape()) {
		return nil, shapeErr("add", "%v + %v", a.Shape(), b.Shape())
	}
	y := s.Alloc(a.Shape()...)
	ad, bd, dst := a.Data(), b.Data(), y.Data()
	for i := range dst {
		dst[i] = ad[i] + bd[i]
	}
	return y, nil
}

// AddChannelBias adds bias [B,C] to every position of x [B,H,W,C].
func AddChannelBias(s *tensor.Arena, x, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 || bias.Rank() != 2 || bias.Dim(0) != x.Dim(0) || bias.Dim(1) != x.Dim(3) {
		return nil, shapeErr("add_channel_bias", "%v + %v", x.Shape(), bias.Shape())
	}
	y := s.Alloc(x.Shape()...)
	c := x.Dim(3)
	area := x.Dim(1) * x.Dim(2)
	src, dst, bd := x.Data(), y.Data(), bias.Data()
	for n := 0; n < x.Dim(0); n++ {
		row := bd[n*c : (n+1)*c]
		base := n * area * c
		for p := 0; p < area; p++ {
			off := base + p*c
			for j, v := range row {
				dst[off+j] = src[off+j] + v
			}
		}
	}
	return y, nil
}

// SliceChannels keeps the first n entries of the last axis of x.
func SliceChannels(s *tensor.Arena, x *tensor.Tensor, n int) (*tensor.Tensor, error) {
	if x.Rank() == 0 || n < 0 || n > lastDim(x) {
		return nil, shapeErr("slice_channels", "cannot keep %d channels of %v", n, x.Shape())
	}
	shape := append([]int(nil), x.Shape()...)
	c := shape[len(shape)-1]
	shape[len(shape)-1] = n
	y := s.Alloc(shape...)
	src, dst := x.Data(), y.Data()
	for i := 0; i*n < len(dst); i++ {
		copy(dst[i*n:(i+1)*n], src[i*c:i*c+n])
	}
	return y, nil
}
