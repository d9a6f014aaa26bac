// Package layers implements the executable layers of a katanet model:
// convolution, fused normalization with activation, dense multiply, bias
// rows, the two global poolers and the element-wise helpers that join them.
//
// Layers are built once from description records, with their weights
// allocated in the model's weight arena. Apply methods never modify their
// inputs; every result is a new tensor allocated in the caller's scope.
package layers

import (
	"errors"
	"fmt"

	"github.com/hailam/kaya/katanet/tensor"
)

// ErrShape is returned when weights or inputs do not have the expected
// shape.
var ErrShape = errors.New("shape mismatch")

// BoardSize is the fixed board dimension the poolers are specialized to.
const BoardSize = 19

func shapeErr(name, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrShape, name, fmt.Sprintf(format, args...))
}

func requireRank(name string, x *tensor.Tensor, rank int) error {
	if x.Rank() != rank {
		return shapeErr(name, "input %v has rank %d, want %d", x.Shape(), x.Rank(), rank)
	}
	return nil
}

// lastDim returns the size of the channel axis.
func lastDim(x *tensor.Tensor) int {
	return x.Dim(x.Rank() - 1)
}
