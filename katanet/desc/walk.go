package desc

import (
	"encoding/json"
	"fmt"
	"io"
)

// Walk calls fn for every layer record in m, in forward order. layer is one
// of *ConvLayer, *FusedNorm, *DenseLayer or *BiasRow. Walking stops early
// when fn returns false.
func (m *Model) Walk(fn func(path string, layer any) bool) {
	w := walker{fn: fn}
	t := &m.Trunk
	w.visit("trunk.initial_conv", &t.InitialConv)
	w.visit("trunk.initial_matmul", &t.InitialMatMul)
	w.blocks("trunk.blocks", t.Blocks)
	w.visit("trunk.tip_norm", &t.TipNorm)

	p := &m.PolicyHead
	w.visit("policy_head.p1_conv", &p.P1Conv)
	w.visit("policy_head.g1_conv", &p.G1Conv)
	w.visit("policy_head.g1_norm", &p.G1Norm)
	w.visit("policy_head.gpool_to_bias", &p.GPoolToBias)
	w.visit("policy_head.p1_norm", &p.P1Norm)
	w.visit("policy_head.p2_conv", &p.P2Conv)
	w.visit("policy_head.gpool_to_pass", &p.GPoolToPass)

	v := &m.ValueHead
	w.visit("value_head.v1_conv", &v.V1Conv)
	w.visit("value_head.v1_norm", &v.V1Norm)
	w.visit("value_head.v2_mul", &v.V2Mul)
	w.visit("value_head.v2_bias", &v.V2Bias)
	w.visit("value_head.v3_mul", &v.V3Mul)
	w.visit("value_head.v3_bias", &v.V3Bias)
	w.visit("value_head.sv3_mul", &v.SV3Mul)
	w.visit("value_head.sv3_bias", &v.SV3Bias)
	w.visit("value_head.ownership_conv", &v.OwnershipConv)
}

type walker struct {
	fn      func(path string, layer any) bool
	stopped bool
}

func (w *walker) visit(path string, layer any) {
	if w.stopped {
		return
	}
	if !w.fn(path, layer) {
		w.stopped = true
	}
}

func (w *walker) blocks(path string, blocks []Block) {
	for i := range blocks {
		p := fmt.Sprintf("%s[%d]", path, i)
		b := &blocks[i]
		if o := b.Ordinary; o != nil {
			w.visit(p+".pre_norm", &o.PreNorm)
			w.visit(p+".conv1", &o.Conv1)
			w.visit(p+".mid_norm", &o.MidNorm)
			w.visit(p+".conv2", &o.Conv2)
		}
		if g := b.GlobalPooling; g != nil {
			w.visit(p+".pre_norm", &g.PreNorm)
			w.visit(p+".regular_conv", &g.RegularConv)
			w.visit(p+".gpool_conv", &g.GPoolConv)
			w.visit(p+".gpool_norm", &g.GPoolNorm)
			w.visit(p+".gpool_to_bias", &g.GPoolToBias)
			w.visit(p+".mid_norm", &g.MidNorm)
			w.visit(p+".conv2", &g.Conv2)
		}
		if n := b.NestedBottleneck; n != nil {
			w.visit(p+".pre_norm", &n.PreNorm)
			w.visit(p+".pre_conv", &n.PreConv)
			w.blocks(p+".blocks", n.Blocks)
			w.visit(p+".post_norm", &n.PostNorm)
			w.visit(p+".post_conv", &n.PostConv)
		}
	}
}

// ParamCount returns the total number of weight values in m.
func (m *Model) ParamCount() int {
	n := 0
	m.Walk(func(_ string, layer any) bool {
		switch l := layer.(type) {
		case *ConvLayer:
			n += len(l.Weights)
		case *FusedNorm:
			n += len(l.Scale) + len(l.Bias)
		case *DenseLayer:
			n += len(l.Weights)
		case *BiasRow:
			n += len(l.Weights)
		}
		return true
	})
	return n
}

// NumBlocks returns the number of blocks in the trunk, counting nested
// blocks and the bottlenecks that hold them.
func (m *Model) NumBlocks() int {
	return countBlocks(m.Trunk.Blocks)
}

func countBlocks(blocks []Block) int {
	n := len(blocks)
	for i := range blocks {
		if nb := blocks[i].NestedBottleneck; nb != nil {
			n += countBlocks(nb.Blocks)
		}
	}
	return n
}

// Depth returns the deepest nesting level of the trunk: 0 for a trunk with
// no nested bottleneck blocks.
func (m *Model) Depth() int {
	return blockDepth(m.Trunk.Blocks)
}

func blockDepth(blocks []Block) int {
	depth := 0
	for i := range blocks {
		if nb := blocks[i].NestedBottleneck; nb != nil {
			depth = max(depth, 1+blockDepth(nb.Blocks))
		}
	}
	return depth
}

// Decode reads a JSON description and validates it.
func Decode(r io.Reader) (*Model, error) {
	var m Model
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode description: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode writes m as JSON.
func Encode(w io.Writer, m *Model) error {
	if err := json.NewEncoder(w).Encode(m); err != nil {
		return fmt.Errorf("failed to encode description: %w", err)
	}
	return nil
}
