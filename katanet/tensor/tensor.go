// Package tensor provides the dense float32 tensors and the arenas that own
// them for the katanet inference engine.
//
// Every tensor used by a model is allocated from an Arena. A model keeps one
// long-lived arena for its weights; each forward call opens a scratch arena
// for intermediates and releases it before returning. Releasing an arena
// releases every tensor it still owns exactly once.
package tensor

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// liveTensors counts arena tensors that have been allocated and not yet
// released, across all arenas in the process.
var liveTensors atomic.Int64

// Live returns the number of arena-owned tensors currently alive.
func Live() int64 {
	return liveTensors.Load()
}

// Tensor is a dense row-major float32 array. Rank-4 tensors use the
// [batch, height, width, channels] layout.
type Tensor struct {
	shape []int
	data  []float32
	arena *Arena
	freed bool
}

// New wraps data as a host tensor that no arena owns. The caller keeps
// ownership of data.
func New(shape []int, data []float32) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("tensor: %d values for shape %v (want %d)", len(data), shape, n)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data}, nil
}

// Zeros returns a zero-filled host tensor.
func Zeros(shape ...int) *Tensor {
	n, err := NumElements(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: make([]float32, n)}
}

// NumElements returns the product of the dimensions in shape.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: negative dimension in shape %v", shape)
		}
		n *= d
	}
	return n, nil
}

// Shape returns the tensor's dimensions. The slice must not be modified.
func (t *Tensor) Shape() []int {
	return t.shape
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data returns the backing storage. It panics if the tensor was released.
func (t *Tensor) Data() []float32 {
	if t.freed {
		panic("tensor: use after release")
	}
	return t.data
}

// Released reports whether Release has been called on t.
func (t *Tensor) Released() bool {
	return t.freed
}

// Owner returns the arena that owns t, or nil for host tensors.
func (t *Tensor) Owner() *Arena {
	return t.arena
}

// Clone copies t into a new host tensor.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data()))
	copy(data, t.data)
	return &Tensor{shape: append([]int(nil), t.shape...), data: data}
}

// Release frees the tensor's storage. Releasing a tensor twice panics.
func (t *Tensor) Release() {
	if t.freed {
		panic("tensor: double release")
	}
	t.freed = true
	if a := t.arena; a != nil {
		a.live--
		liveTensors.Add(-1)
		if a.pool != nil {
			a.pool.put(t.data)
		}
	}
	t.data = nil
}

// String formats the shape, e.g. "Tensor[1 19 19 64]".
func (t *Tensor) String() string {
	dims := make([]string, len(t.shape))
	for i, d := range t.shape {
		dims[i] = fmt.Sprint(d)
	}
	state := ""
	if t.freed {
		state = " released"
	}
	return "Tensor[" + strings.Join(dims, " ") + "]" + state
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
