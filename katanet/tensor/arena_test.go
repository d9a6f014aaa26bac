package tensor

import (
	"errors"
	"testing"
)

func TestArenaAllocRelease(t *testing.T) {
	a := NewArena("weights")
	x := a.Alloc(2, 3)
	y, err := a.FromSlice([]int{2}, []float32{1, 2})
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}

	if a.Live() != 2 {
		t.Errorf("Live() = %d, want 2", a.Live())
	}
	if x.Len() != 6 {
		t.Errorf("Len() = %d, want 6", x.Len())
	}
	for i, v := range x.Data() {
		if v != 0 {
			t.Errorf("x[%d] = %f, want 0", i, v)
		}
	}

	y.Release()
	if a.Live() != 1 {
		t.Errorf("Live() after single release = %d, want 1", a.Live())
	}

	a.Release()
	if a.Live() != 0 {
		t.Errorf("Live() after arena release = %d, want 0", a.Live())
	}
	if !x.Released() || !y.Released() {
		t.Error("all tensors should be released")
	}

	// Releasing the arena again must not touch y a second time.
	a.Release()
}

func TestFromSliceLengthMismatch(t *testing.T) {
	a := NewArena("weights")
	defer a.Release()

	if _, err := a.FromSlice([]int{3, 3}, make([]float32, 8)); err == nil {
		t.Error("expected error for 8 values in a 3x3 tensor")
	}
	if a.Live() != 0 {
		t.Errorf("failed FromSlice leaked %d tensors", a.Live())
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	a := NewArena("weights")
	x := a.Alloc(4)
	x.Release()

	defer func() {
		if recover() == nil {
			t.Error("second Release should panic")
		}
	}()
	x.Release()
}

func TestUseAfterReleasePanics(t *testing.T) {
	a := NewArena("weights")
	x := a.Alloc(4)
	a.Release()

	defer func() {
		if recover() == nil {
			t.Error("Data on released tensor should panic")
		}
	}()
	_ = x.Data()
}

func TestScopedKeepsOnlyResult(t *testing.T) {
	root := NewScratch("forward")
	defer root.Release()

	var inner *Tensor
	out, err := root.Scoped(func(s *Arena) (*Tensor, error) {
		inner = s.Alloc(8)
		res := s.Alloc(2)
		res.Data()[0] = 42
		return res, nil
	})
	if err != nil {
		t.Fatalf("Scoped failed: %v", err)
	}

	if !inner.Released() {
		t.Error("intermediate tensor should be released when the scope ends")
	}
	if out.Released() {
		t.Fatal("returned tensor must survive the scope")
	}
	if out.Owner() != root {
		t.Error("returned tensor should be adopted by the parent arena")
	}
	if out.Data()[0] != 42 {
		t.Errorf("out[0] = %f, want 42", out.Data()[0])
	}
	if root.Live() != 1 {
		t.Errorf("root.Live() = %d, want 1", root.Live())
	}
}

func TestScopedError(t *testing.T) {
	root := NewScratch("forward")
	defer root.Release()

	wantErr := errors.New("boom")
	before := Live()
	_, err := root.Scoped(func(s *Arena) (*Tensor, error) {
		s.Alloc(16)
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if Live() != before {
		t.Errorf("scope leaked %d tensors on error", Live()-before)
	}
}

func TestScopedReturnsParentTensor(t *testing.T) {
	root := NewScratch("forward")
	defer root.Release()

	x := root.Alloc(3)
	out, err := root.Scoped(func(s *Arena) (*Tensor, error) {
		s.Alloc(3)
		return x, nil
	})
	if err != nil {
		t.Fatalf("Scoped failed: %v", err)
	}
	if out != x || x.Released() {
		t.Error("tensor from the parent must pass through untouched")
	}
	if root.Live() != 1 {
		t.Errorf("root.Live() = %d, want 1", root.Live())
	}
}

func TestScratchRecyclesZeroed(t *testing.T) {
	root := NewScratch("forward")
	defer root.Release()

	_, err := root.Scoped(func(s *Arena) (*Tensor, error) {
		x := s.Alloc(5)
		for i := range x.Data() {
			x.Data()[i] = 7
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Scoped failed: %v", err)
	}

	y := root.Alloc(5)
	for i, v := range y.Data() {
		if v != 0 {
			t.Errorf("recycled buffer not cleared: y[%d] = %f", i, v)
		}
	}
}

func TestLiveCounter(t *testing.T) {
	before := Live()
	a := NewArena("weights")
	a.Alloc(1)
	a.Alloc(1)
	if got := Live() - before; got != 2 {
		t.Errorf("Live delta = %d, want 2", got)
	}
	a.Release()
	if Live() != before {
		t.Errorf("Live() = %d after release, want %d", Live(), before)
	}
}

func TestHostTensor(t *testing.T) {
	x, err := New([]int{1, 2}, []float32{1, 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if x.Owner() != nil {
		t.Error("host tensors have no owner")
	}
	c := x.Clone()
	c.Data()[0] = 9
	if x.Data()[0] != 1 {
		t.Error("Clone must not share storage")
	}
	if _, err := New([]int{3}, []float32{1}); err == nil {
		t.Error("expected length mismatch error")
	}
	if x.String() != "Tensor[1 2]" {
		t.Errorf("String() = %q", x.String())
	}
}
