package layers

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/hailam/kaya/katanet/desc"
	"github.com/hailam/kaya/katanet/tensor"
)

// Conv2D is a stride 1 convolution with "same" zero padding.
type Conv2D struct {
	name       string
	kY, kX     int
	in, out    int
	dilY, dilX int
	weights    *tensor.Tensor // [kY*kX*in, out]
}

// NewConv2D builds a convolution from d, copying its weights into arena.
func NewConv2D(arena *tensor.Arena, d *desc.ConvLayer) (*Conv2D, error) {
	if d.ConvYSize < 1 || d.ConvXSize < 1 || d.InChannels < 1 || d.OutChannels < 1 {
		return nil, shapeErr(d.Name, "conv dims %dx%d %d->%d", d.ConvYSize, d.ConvXSize, d.InChannels, d.OutChannels)
	}
	if d.DilationY < 1 || d.DilationX < 1 {
		return nil, shapeErr(d.Name, "dilation %dx%d", d.DilationY, d.DilationX)
	}
	rows := d.ConvYSize * d.ConvXSize * d.InChannels
	if len(d.Weights) != rows*d.OutChannels {
		return nil, shapeErr(d.Name, "%d weights, want %d", len(d.Weights), rows*d.OutChannels)
	}
	w, err := arena.FromSlice([]int{rows, d.OutChannels}, d.Weights)
	if err != nil {
		return nil, shapeErr(d.Name, "%v", err)
	}
	return &Conv2D{
		name:    d.Name,
		kY:      d.ConvYSize,
		kX:      d.ConvXSize,
		in:      d.InChannels,
		out:     d.OutChannels,
		dilY:    d.DilationY,
		dilX:    d.DilationX,
		weights: w,
	}, nil
}

// Name returns the layer name from the description.
func (c *Conv2D) Name() string { return c.name }

// OutChannels returns the number of output channels.
func (c *Conv2D) OutChannels() int { return c.out }

// Tensors returns the weight tensors held by the layer.
func (c *Conv2D) Tensors() []*tensor.Tensor { return []*tensor.Tensor{c.weights} }

// Apply convolves x [B,H,W,in] into a new [B,H,W,out] tensor.
func (c *Conv2D) Apply(s *tensor.Arena, x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank(c.name, x, 4); err != nil {
		return nil, err
	}
	if x.Dim(3) != c.in {
		return nil, shapeErr(c.name, "input %v has %d channels, want %d", x.Shape(), x.Dim(3), c.in)
	}
	b, h, w := x.Dim(0), x.Dim(1), x.Dim(2)
	y := s.Alloc(b, h, w, c.out)
	pixels := b * h * w
	if pixels == 0 {
		return y, nil
	}

	if c.kY == 1 && c.kX == 1 {
		gemm(pixels, c.in, c.out, x.Data(), c.weights.Data(), y.Data())
		return y, nil
	}

	rows := c.kY * c.kX * c.in
	cols := s.Alloc(pixels, rows)
	c.im2col(x, cols.Data())
	gemm(pixels, rows, c.out, cols.Data(), c.weights.Data(), y.Data())
	cols.Release()
	return y, nil
}

// im2col writes one row per output pixel holding the receptive field in
// [ky, kx, in] order, with zeros outside the board.
func (c *Conv2D) im2col(x *tensor.Tensor, dst []float32) {
	b, h, w := x.Dim(0), x.Dim(1), x.Dim(2)
	src := x.Data()
	padY := c.dilY * (c.kY - 1) / 2
	padX := c.dilX * (c.kX - 1) / 2
	rows := c.kY * c.kX * c.in

	row := 0
	for n := 0; n < b; n++ {
		img := src[n*h*w*c.in : (n+1)*h*w*c.in]
		for py := 0; py < h; py++ {
			for px := 0; px < w; px++ {
				out := dst[row*rows : (row+1)*rows]
				for ky := 0; ky < c.kY; ky++ {
					iy := py + ky*c.dilY - padY
					for kx := 0; kx < c.kX; kx++ {
						ix := px + kx*c.dilX - padX
						seg := out[(ky*c.kX+kx)*c.in : (ky*c.kX+kx+1)*c.in]
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							clear(seg)
							continue
						}
						copy(seg, img[(iy*w+ix)*c.in:(iy*w+ix+1)*c.in])
					}
				}
				row++
			}
		}
	}
}

// gemm computes c = a[m,k] * b[k,n], overwriting c.
func gemm(m, k, n int, a, b, c []float32) {
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c},
	)
}
