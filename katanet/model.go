package katanet

import (
	"fmt"
	"sync"

	"github.com/hailam/kaya/katanet/desc"
	"github.com/hailam/kaya/katanet/layers"
	"github.com/hailam/kaya/katanet/tensor"
)

// Model is an executable network.
type Model struct {
	mu       sync.RWMutex
	disposed bool
	weights  *tensor.Arena

	info           Info
	inputChannels  int
	globalChannels int
	post           desc.PostProcess

	stemConv   *layers.Conv2D
	stemGlobal *layers.MatMul
	blocks     []block
	tipNorm    *layers.NormAct
	policy     *policyHead
	value      *valueHead
}

// Info summarizes a built model.
type Info struct {
	Name              string
	Version           int
	TrunkChannels     int
	Blocks            int // including blocks nested in bottlenecks
	Depth             int // deepest bottleneck nesting, 0 when flat
	InputChannels     int
	GlobalChannels    int
	PolicyOutChannels int
	ScoreChannels     int
	Tensors           int   // weight tensors
	Params            int   // weight values
	Bytes             int64 // weight storage
}

// New builds a model from d. On error no weights remain allocated.
func New(d *desc.Model) (*Model, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if _, err := d.ValueHead.V2Activation.MarshalText(); err != nil {
		return nil, fmt.Errorf("%w: value_head.v2_activation: %v", desc.ErrMalformed, err)
	}

	arena := tensor.NewArena(d.Name + "/weights")
	b := &builder{arena: arena}
	m := &Model{
		weights:        arena,
		inputChannels:  d.NumInputChannels,
		globalChannels: d.NumInputGlobalChannels,
		post:           d.PostProcess,
		stemConv:       b.conv(&d.Trunk.InitialConv),
		stemGlobal:     b.matMul(&d.Trunk.InitialMatMul),
		blocks:         b.blocks(d.Trunk.Blocks),
		tipNorm:        b.norm(&d.Trunk.TipNorm),
		policy:         b.policyHead(&d.PolicyHead),
		value:          b.valueHead(d),
	}
	if b.err != nil {
		arena.Release()
		return nil, fmt.Errorf("failed to build model %q: %w", d.Name, b.err)
	}

	params := 0
	tensors := m.tensors()
	for _, t := range tensors {
		params += t.Len()
	}
	m.info = Info{
		Name:              d.Name,
		Version:           d.Version,
		TrunkChannels:     d.TrunkChannels(),
		Blocks:            d.NumBlocks(),
		Depth:             d.Depth(),
		InputChannels:     d.NumInputChannels,
		GlobalChannels:    d.NumInputGlobalChannels,
		PolicyOutChannels: d.PolicyHead.PolicyOutChannels,
		ScoreChannels:     min(d.NumScoreValueChannels, maxScoreChannels),
		Tensors:           len(tensors),
		Params:            params,
		Bytes:             int64(params) * 4,
	}
	return m, nil
}

// Info returns the model summary. It stays available after Dispose.
func (m *Model) Info() Info {
	return m.info
}

// PostProcess returns the output multipliers stored in the model file.
// They are not applied by Forward.
func (m *Model) PostProcess() desc.PostProcess {
	return m.post
}

// Dispose releases every weight tensor. Later calls return ErrDisposed.
func (m *Model) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	for _, t := range m.tensors() {
		if !t.Released() {
			t.Release()
		}
	}
	m.weights.Release()
	m.disposed = true
	return nil
}

// tensors returns every weight tensor reachable from the model, each once.
func (m *Model) tensors() []*tensor.Tensor {
	var c collector
	c.add(m.stemConv, m.stemGlobal)
	c.blocks(m.blocks)
	c.add(m.tipNorm)
	p := m.policy
	c.add(p.p1, p.g1, p.g1Norm, p.toBias, p.p1Norm, p.p2, p.toPass)
	v := m.value
	c.add(v.v1, v.v1Norm, v.v2, v.v2Bias, v.v3, v.v3Bias, v.sv3, v.sv3Bias, v.ownership)
	return c.out
}

type weightHolder interface {
	Tensors() []*tensor.Tensor
}

type collector struct {
	seen map[*tensor.Tensor]struct{}
	out  []*tensor.Tensor
}

func (c *collector) add(holders ...weightHolder) {
	if c.seen == nil {
		c.seen = make(map[*tensor.Tensor]struct{})
	}
	for _, h := range holders {
		for _, t := range h.Tensors() {
			if _, ok := c.seen[t]; ok {
				continue
			}
			c.seen[t] = struct{}{}
			c.out = append(c.out, t)
		}
	}
}

func (c *collector) blocks(blocks []block) {
	for i := range blocks {
		switch b := &blocks[i]; b.kind {
		case desc.BlockOrdinary:
			o := b.ordinary
			c.add(o.pre, o.conv1, o.mid, o.conv2)
		case desc.BlockGlobalPooling:
			g := b.gpool
			c.add(g.pre, g.regular, g.gconv, g.gnorm, g.toBias, g.mid, g.conv2)
		case desc.BlockNestedBottleneck:
			n := b.nested
			c.add(n.pre, n.preConv)
			c.blocks(n.blocks)
			c.add(n.post, n.postConv)
		}
	}
}

// builder constructs layers into one arena and keeps the first error.
type builder struct {
	arena *tensor.Arena
	err   error
}

func (b *builder) conv(d *desc.ConvLayer) *layers.Conv2D {
	if b.err != nil {
		return nil
	}
	l, err := layers.NewConv2D(b.arena, d)
	b.err = err
	return l
}

func (b *builder) norm(d *desc.FusedNorm) *layers.NormAct {
	if b.err != nil {
		return nil
	}
	l, err := layers.NewNormAct(b.arena, d)
	b.err = err
	return l
}

func (b *builder) matMul(d *desc.DenseLayer) *layers.MatMul {
	if b.err != nil {
		return nil
	}
	l, err := layers.NewMatMul(b.arena, d)
	b.err = err
	return l
}

func (b *builder) matBias(d *desc.BiasRow) *layers.MatBias {
	if b.err != nil {
		return nil
	}
	l, err := layers.NewMatBias(b.arena, d)
	b.err = err
	return l
}

func (b *builder) blocks(ds []desc.Block) []block {
	blocks := make([]block, len(ds))
	for i := range ds {
		d := &ds[i]
		blocks[i].kind = d.Kind
		switch d.Kind {
		case desc.BlockOrdinary:
			o := d.Ordinary
			blocks[i].ordinary = &ordinaryBlock{
				name:  o.Name,
				pre:   b.norm(&o.PreNorm),
				conv1: b.conv(&o.Conv1),
				mid:   b.norm(&o.MidNorm),
				conv2: b.conv(&o.Conv2),
			}
		case desc.BlockGlobalPooling:
			g := d.GlobalPooling
			blocks[i].gpool = &gpoolBlock{
				name:    g.Name,
				pre:     b.norm(&g.PreNorm),
				regular: b.conv(&g.RegularConv),
				gconv:   b.conv(&g.GPoolConv),
				gnorm:   b.norm(&g.GPoolNorm),
				toBias:  b.matMul(&g.GPoolToBias),
				mid:     b.norm(&g.MidNorm),
				conv2:   b.conv(&g.Conv2),
			}
		case desc.BlockNestedBottleneck:
			n := d.NestedBottleneck
			blocks[i].nested = &nestedBlock{
				name:     n.Name,
				pre:      b.norm(&n.PreNorm),
				preConv:  b.conv(&n.PreConv),
				blocks:   b.blocks(n.Blocks),
				post:     b.norm(&n.PostNorm),
				postConv: b.conv(&n.PostConv),
			}
		}
	}
	return blocks
}

func (b *builder) policyHead(d *desc.PolicyHead) *policyHead {
	return &policyHead{
		p1:          b.conv(&d.P1Conv),
		g1:          b.conv(&d.G1Conv),
		g1Norm:      b.norm(&d.G1Norm),
		toBias:      b.matMul(&d.GPoolToBias),
		p1Norm:      b.norm(&d.P1Norm),
		p2:          b.conv(&d.P2Conv),
		toPass:      b.matMul(&d.GPoolToPass),
		outChannels: d.PolicyOutChannels,
	}
}

func (b *builder) valueHead(m *desc.Model) *valueHead {
	d := &m.ValueHead
	return &valueHead{
		v1:        b.conv(&d.V1Conv),
		v1Norm:    b.norm(&d.V1Norm),
		v2:        b.matMul(&d.V2Mul),
		v2Bias:    b.matBias(&d.V2Bias),
		v2Act:     d.V2Activation,
		v3:        b.matMul(&d.V3Mul),
		v3Bias:    b.matBias(&d.V3Bias),
		sv3:       b.matMul(&d.SV3Mul),
		sv3Bias:   b.matBias(&d.SV3Bias),
		ownership: b.conv(&d.OwnershipConv),
	}
}
