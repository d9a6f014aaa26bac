package tensor

import "fmt"

// Arena owns a set of tensors and releases them together.
//
// An arena is not safe for concurrent use. Weight arenas are written once at
// model construction and only read afterwards; scratch arenas belong to a
// single forward call.
type Arena struct {
	name     string
	parent   *Arena
	tensors  []*Tensor
	live     int
	pool     *bufferPool // shared by a scratch arena and its scopes
	released bool
}

// NewArena creates an arena for long-lived tensors such as model weights.
func NewArena(name string) *Arena {
	return &Arena{name: name}
}

// NewScratch creates an arena for the intermediates of one forward call.
// Storage released by its scopes is recycled for later allocations in the
// same call.
func NewScratch(name string) *Arena {
	return &Arena{name: name, pool: &bufferPool{free: make(map[int][][]float32)}}
}

// Name returns the arena's name.
func (a *Arena) Name() string {
	return a.name
}

// Live returns the number of tensors owned by a that are not yet released.
func (a *Arena) Live() int {
	return a.live
}

// Released reports whether Release has been called.
func (a *Arena) Released() bool {
	return a.released
}

// Alloc returns a zero-filled tensor owned by a.
func (a *Arena) Alloc(shape ...int) *Tensor {
	if a.released {
		panic(fmt.Sprintf("tensor: alloc in released arena %q", a.name))
	}
	n, err := NumElements(shape)
	if err != nil {
		panic(err)
	}
	var data []float32
	if a.pool != nil {
		data = a.pool.get(n)
	} else {
		data = make([]float32, n)
	}
	t := &Tensor{shape: append([]int(nil), shape...), data: data, arena: a}
	a.tensors = append(a.tensors, t)
	a.live++
	liveTensors.Add(1)
	return t
}

// FromSlice copies values into a new tensor owned by a. The number of
// values must match shape exactly.
func (a *Arena) FromSlice(shape []int, values []float32) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if len(values) != n {
		return nil, fmt.Errorf("tensor: %d values for shape %v (want %d)", len(values), shape, n)
	}
	t := a.Alloc(shape...)
	copy(t.data, values)
	return t, nil
}

// Scoped runs fn with a child arena. Every tensor fn allocates is released
// when fn returns, except the returned tensor, which moves to a.
func (a *Arena) Scoped(fn func(s *Arena) (*Tensor, error)) (*Tensor, error) {
	child := &Arena{name: a.name + "/scope", parent: a, pool: a.pool}
	out, err := fn(child)
	if err != nil {
		child.Release()
		return nil, err
	}
	if out != nil && out.arena == child {
		child.disown(out)
		out.arena = a
		a.tensors = append(a.tensors, out)
		a.live++
	}
	child.Release()
	return out, nil
}

func (a *Arena) disown(t *Tensor) {
	for i := len(a.tensors) - 1; i >= 0; i-- {
		if a.tensors[i] == t {
			a.tensors = append(a.tensors[:i], a.tensors[i+1:]...)
			a.live--
			return
		}
	}
}

// Release frees every tensor still owned by a. Tensors released
// individually beforehand are skipped. Calling Release again is a no-op.
func (a *Arena) Release() {
	if a.released {
		return
	}
	for _, t := range a.tensors {
		if !t.freed {
			t.Release()
		}
	}
	a.tensors = nil
	a.released = true
}

// bufferPool recycles float32 buffers by exact length.
type bufferPool struct {
	free map[int][][]float32
}

func (p *bufferPool) get(n int) []float32 {
	bufs := p.free[n]
	if len(bufs) == 0 {
		return make([]float32, n)
	}
	buf := bufs[len(bufs)-1]
	p.free[n] = bufs[:len(bufs)-1]
	clear(buf)
	return buf
}

func (p *bufferPool) put(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	p.free[len(buf)] = append(p.free[len(buf)], buf)
}
