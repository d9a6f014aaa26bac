package layers

import (
	"fmt"
	"math"

	"github.com/hailam/kaya/katanet/desc"
	"github.com/hailam/kaya/katanet/tensor"
)

// softplusCutoff is where log1p(exp(x)) equals x in float32.
const softplusCutoff = 20

// Activate applies kind to a single value.
func Activate(kind desc.ActivationKind, x float32) float32 {
	switch kind {
	case desc.ActIdentity:
		return x
	case desc.ActReLU:
		return max(x, 0)
	case desc.ActMish:
		return Mish(x)
	}
	panic(fmt.Sprintf("layers: unknown activation %d", int(kind)))
}

// Mish returns x * tanh(softplus(x)).
func Mish(x float32) float32 {
	v := float64(x)
	sp := v
	if v <= softplusCutoff {
		sp = math.Log1p(math.Exp(v))
	}
	return float32(v * math.Tanh(sp))
}

// ApplyActivation returns act(t) as a new tensor in s. Any rank is accepted.
func ApplyActivation(s *tensor.Arena, kind desc.ActivationKind, t *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := kind.MarshalText(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}
	y := s.Alloc(t.Shape()...)
	activateInto(kind, y.Data(), t.Data())
	return y, nil
}

func activateInto(kind desc.ActivationKind, dst, src []float32) {
	switch kind {
	case desc.ActIdentity:
		copy(dst, src)
	case desc.ActReLU:
		for i, v := range src {
			dst[i] = max(v, 0)
		}
	case desc.ActMish:
		for i, v := range src {
			dst[i] = Mish(v)
		}
	}
}
