package katanet

import (
	"fmt"

	"github.com/hailam/kaya/katanet/desc"
	"github.com/hailam/kaya/katanet/layers"
	"github.com/hailam/kaya/katanet/tensor"
)

// block is one trunk block. Exactly the field matching kind is set.
type block struct {
	kind     desc.BlockKind
	ordinary *ordinaryBlock
	gpool    *gpoolBlock
	nested   *nestedBlock
}

type ordinaryBlock struct {
	name  string
	pre   *layers.NormAct
	conv1 *layers.Conv2D
	mid   *layers.NormAct
	conv2 *layers.Conv2D
}

type gpoolBlock struct {
	name    string
	pre     *layers.NormAct
	regular *layers.Conv2D
	gconv   *layers.Conv2D
	gnorm   *layers.NormAct
	toBias  *layers.MatMul
	mid     *layers.NormAct
	conv2   *layers.Conv2D
}

type nestedBlock struct {
	name     string
	pre      *layers.NormAct
	preConv  *layers.Conv2D
	blocks   []block
	post     *layers.NormAct
	postConv *layers.Conv2D
}

// runBlocks applies blocks in order to x. Each intermediate trunk tensor
// is released as soon as the next one exists; x itself is left alone.
func runBlocks(s *tensor.Arena, blocks []block, x *tensor.Tensor) (*tensor.Tensor, error) {
	cur := x
	for i := range blocks {
		next, err := runBlock(s, &blocks[i], cur)
		if err != nil {
			return nil, err
		}
		if cur != x {
			cur.Release()
		}
		cur = next
	}
	return cur, nil
}

// runBlock returns x plus the block's residual. Intermediates live in a
// child scope; only the sum reaches s.
func runBlock(s *tensor.Arena, b *block, x *tensor.Tensor) (*tensor.Tensor, error) {
	return s.Scoped(func(scope *tensor.Arena) (*tensor.Tensor, error) {
		var (
			d    *tensor.Tensor
			name string
			err  error
		)
		switch b.kind {
		case desc.BlockOrdinary:
			name = b.ordinary.name
			d, err = b.ordinary.residual(scope, x)
		case desc.BlockGlobalPooling:
			name = b.gpool.name
			d, err = b.gpool.residual(scope, x)
		case desc.BlockNestedBottleneck:
			name = b.nested.name
			d, err = b.nested.residual(scope, x)
		default:
			return nil, fmt.Errorf("unknown block kind %v", b.kind)
		}
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", name, err)
		}
		return layers.Add(scope, x, d)
	})
}

func (b *ordinaryBlock) residual(s *tensor.Arena, x *tensor.Tensor) (*tensor.Tensor, error) {
	a, err := b.pre.Apply(s, x)
	if err != nil {
		return nil, err
	}
	h, err := b.conv1.Apply(s, a)
	if err != nil {
		return nil, err
	}
	c, err := b.mid.Apply(s, h)
	if err != nil {
		return nil, err
	}
	return b.conv2.Apply(s, c)
}

func (b *gpoolBlock) residual(s *tensor.Arena, x *tensor.Tensor) (*tensor.Tensor, error) {
	a, err := b.pre.Apply(s, x)
	if err != nil {
		return nil, err
	}
	regular, err := b.regular.Apply(s, a)
	if err != nil {
		return nil, err
	}
	g, err := b.gconv.Apply(s, a)
	if err != nil {
		return nil, err
	}
	g, err = b.gnorm.Apply(s, g)
	if err != nil {
		return nil, err
	}
	summary, err := layers.GatePool(s, g)
	if err != nil {
		return nil, err
	}
	bias, err := b.toBias.Apply(s, summary)
	if err != nil {
		return nil, err
	}
	regular, err = layers.AddChannelBias(s, regular, bias)
	if err != nil {
		return nil, err
	}
	c, err := b.mid.Apply(s, regular)
	if err != nil {
		return nil, err
	}
	return b.conv2.Apply(s, c)
}

func (b *nestedBlock) residual(s *tensor.Arena, x *tensor.Tensor) (*tensor.Tensor, error) {
	a, err := b.pre.Apply(s, x)
	if err != nil {
		return nil, err
	}
	mid, err := b.preConv.Apply(s, a)
	if err != nil {
		return nil, err
	}
	mid, err = runBlocks(s, b.blocks, mid)
	if err != nil {
		return nil, err
	}
	c, err := b.post.Apply(s, mid)
	if err != nil {
		return nil, err
	}
	return b.postConv.Apply(s, c)
}
