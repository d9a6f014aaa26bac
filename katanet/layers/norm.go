package layers

import (
	"github.com/hailam/kaya/katanet/desc"
	"github.com/hailam/kaya/katanet/tensor"
)

// NormAct applies a folded batch norm, y = act(x*scale + bias), per
// channel.
type NormAct struct {
	name        string
	channels    int
	scale, bias *tensor.Tensor
	act         desc.ActivationKind
}

func NewNormAct(arena *tensor.Arena, d *desc.FusedNorm) (*NormAct, error) {
	if d.NumChannels < 1 || len(d.Scale) != d.NumChannels || len(d.Bias) != d.NumChannels {
		return nil, shapeErr(d.Name, "scale/bias lengths %d/%d, want %d", len(d.Scale), len(d.Bias), d.NumChannels)
	}
	if _, err := d.Activation.MarshalText(); err != nil {
		return nil, shapeErr(d.Name, "%v", err)
	}
	scale, err := arena.FromSlice([]int{d.NumChannels}, d.Scale)
	if err != nil {
		return nil, shapeErr(d.Name, "%v", err)
	}
	bias, err := arena.FromSlice([]int{d.NumChannels}, d.Bias)
	if err != nil {
		scale.Release()
		return nil, shapeErr(d.Name, "%v", err)
	}
	return &NormAct{name: d.Name, channels: d.NumChannels, scale: scale, bias: bias, act: d.Activation}, nil
}

func (n *NormAct) Name() string { return n.name }

// Activation returns the activation applied after the affine step.
func (n *NormAct) Activation() desc.ActivationKind { return n.act }

func (n *NormAct) Tensors() []*tensor.Tensor { return []*tensor.Tensor{n.scale, n.bias} }

// Apply normalizes x along its last axis. x may be [B,H,W,C] or [B,C].
func (n *NormAct) Apply(s *tensor.Arena, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 && x.Rank() != 2 {
		return nil, shapeErr(n.name, "input %v has rank %d, want 4 or 2", x.Shape(), x.Rank())
	}
	if lastDim(x) != n.channels {
		return nil, shapeErr(n.name, "input %v has %d channels, want %d", x.Shape(), lastDim(x), n.channels)
	}
	y := s.Alloc(x.Shape()...)
	src, dst := x.Data(), y.Data()
	scale, bias := n.scale.Data(), n.bias.Data()
	c := n.channels
	for i := 0; i < len(src); i += c {
		for j := 0; j < c; j++ {
			dst[i+j] = src[i+j]*scale[j] + bias[j]
		}
	}
	activateInto(n.act, dst, dst)
	return y, nil
}
