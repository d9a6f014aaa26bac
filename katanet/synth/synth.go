// Package synth generates deterministic synthetic model descriptions.
//
// Synthetic models have the exact structure of a trained network but random
// weights. They exercise the engine in tests and let the tooling run without
// a real model file.
package synth

import (
	"fmt"
	"math"
	"strings"

	"github.com/hailam/kaya/katanet/desc"
)

// Config controls the generated architecture. Zero fields take the defaults
// of DefaultConfig.
type Config struct {
	Name    string
	Version int
	Seed    int64

	// Layout lists trunk blocks separated by spaces: "o" for ordinary, "g"
	// for global pooling and "n(...)" for a nested bottleneck holding a
	// comma or space separated list of blocks, e.g. "o g n(o,n(o)) o".
	Layout string

	InputChannels       int
	GlobalChannels      int
	TrunkChannels       int
	MidChannels         int
	GPoolChannels       int
	BottleneckChannels  int
	HeadChannels        int
	ValueHiddenChannels int
	PolicyOutChannels   int
	ValueChannels       int
	ScoreChannels       int
	KernelSize          int

	Activation desc.ActivationKind
}

// DefaultConfig returns a small network with the input layout of a v8
// model file.
func DefaultConfig() Config {
	return Config{
		Name:                "synthetic",
		Version:             8,
		Seed:                1,
		Layout:              "o g o",
		InputChannels:       22,
		GlobalChannels:      19,
		TrunkChannels:       16,
		MidChannels:         16,
		GPoolChannels:       8,
		BottleneckChannels:  8,
		HeadChannels:        8,
		ValueHiddenChannels: 16,
		PolicyOutChannels:   1,
		ValueChannels:       3,
		ScoreChannels:       4,
		KernelSize:          3,
		Activation:          desc.ActMish,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	fill := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Layout == "" {
		c.Layout = d.Layout
	}
	fill(&c.Version, d.Version)
	fill(&c.InputChannels, d.InputChannels)
	fill(&c.GlobalChannels, d.GlobalChannels)
	fill(&c.TrunkChannels, d.TrunkChannels)
	fill(&c.MidChannels, d.MidChannels)
	fill(&c.GPoolChannels, d.GPoolChannels)
	fill(&c.BottleneckChannels, d.BottleneckChannels)
	fill(&c.HeadChannels, d.HeadChannels)
	fill(&c.ValueHiddenChannels, d.ValueHiddenChannels)
	fill(&c.PolicyOutChannels, d.PolicyOutChannels)
	fill(&c.ValueChannels, d.ValueChannels)
	fill(&c.ScoreChannels, d.ScoreChannels)
	fill(&c.KernelSize, d.KernelSize)
	return c
}

// Node is one parsed layout entry.
type Node struct {
	Kind     desc.BlockKind
	Children []Node
}

// ParseLayout parses a block layout string.
func ParseLayout(layout string) ([]Node, error) {
	p := &layoutParser{s: layout}
	nodes, err := p.list(false)
	if err != nil {
		return nil, fmt.Errorf("layout %q: %w", layout, err)
	}
	return nodes, nil
}

type layoutParser struct {
	s   string
	pos int
}

func (p *layoutParser) skip() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == ',' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *layoutParser) list(nested bool) ([]Node, error) {
	var nodes []Node
	for {
		p.skip()
		if p.pos >= len(p.s) {
			if nested {
				return nil, fmt.Errorf("missing ')'")
			}
			return nodes, nil
		}
		switch c := p.s[p.pos]; c {
		case ')':
			if !nested {
				return nil, fmt.Errorf("unexpected ')' at %d", p.pos)
			}
			p.pos++
			return nodes, nil
		case 'o':
			p.pos++
			nodes = append(nodes, Node{Kind: desc.BlockOrdinary})
		case 'g':
			p.pos++
			nodes = append(nodes, Node{Kind: desc.BlockGlobalPooling})
		case 'n':
			p.pos++
			if p.pos >= len(p.s) || p.s[p.pos] != '(' {
				return nil, fmt.Errorf("expected '(' after n at %d", p.pos)
			}
			p.pos++
			children, err := p.list(true)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, Node{Kind: desc.BlockNestedBottleneck, Children: children})
		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, p.pos)
		}
	}
}

// NestedLayout returns a layout of one ordinary block wrapped in depth
// levels of nested bottleneck, followed by a global pooling block.
func NestedLayout(depth int) string {
	return strings.Repeat("n(", depth) + "o" + strings.Repeat(")", depth) + " g"
}

// Generate builds a description from cfg. The same config always yields
// the same weights.
func Generate(cfg Config) (*desc.Model, error) {
	cfg = cfg.withDefaults()
	nodes, err := ParseLayout(cfg.Layout)
	if err != nil {
		return nil, err
	}
	g := &generator{cfg: cfg, state: uint64(cfg.Seed)}

	act := cfg.Activation
	c := cfg.TrunkChannels
	m := &desc.Model{
		Name:                   cfg.Name,
		Version:                cfg.Version,
		NumInputChannels:       cfg.InputChannels,
		NumInputGlobalChannels: cfg.GlobalChannels,
		NumValueChannels:       cfg.ValueChannels,
		NumScoreValueChannels:  cfg.ScoreChannels,
		NumOwnershipChannels:   1,
		PostProcess: desc.PostProcess{
			ScoreMeanMultiplier:           20,
			ScoreStdevMultiplier:          20,
			LeadMultiplier:                20,
			VarianceTimeMultiplier:        40,
			ShorttermValueErrorMultiplier: 0.25,
			ShorttermScoreErrorMultiplier: 150,
			OutputScaleMultiplier:         1,
		},
		Trunk: desc.Trunk{
			Name:          "trunk",
			InitialConv:   g.conv("trunk/initial_conv", cfg.KernelSize, cfg.InputChannels, c),
			InitialMatMul: g.dense("trunk/initial_matmul", cfg.GlobalChannels, c),
			Blocks:        g.blocks("trunk/block", nodes, c),
			TipNorm:       g.norm("trunk/tip_norm", c, act),
		},
	}

	h := cfg.HeadChannels
	out := cfg.PolicyOutChannels
	m.PolicyHead = desc.PolicyHead{
		Name:              "policy_head",
		P1Conv:            g.conv("policy_head/p1_conv", 1, c, h),
		G1Conv:            g.conv("policy_head/g1_conv", 1, c, h),
		G1Norm:            g.norm("policy_head/g1_norm", h, act),
		GPoolToBias:       g.dense("policy_head/gpool_to_bias", 3*h, h),
		P1Norm:            g.norm("policy_head/p1_norm", h, act),
		P2Conv:            g.conv("policy_head/p2_conv", 1, h, out),
		GPoolToPass:       g.dense("policy_head/gpool_to_pass", 3*h, out),
		PolicyOutChannels: out,
	}

	v2 := cfg.ValueHiddenChannels
	m.ValueHead = desc.ValueHead{
		Name:          "value_head",
		V1Conv:        g.conv("value_head/v1_conv", 1, c, h),
		V1Norm:        g.norm("value_head/v1_norm", h, act),
		V2Mul:         g.dense("value_head/v2_mul", 3*h, v2),
		V2Bias:        g.bias("value_head/v2_bias", v2),
		V2Activation:  act,
		V3Mul:         g.dense("value_head/v3_mul", v2, cfg.ValueChannels),
		V3Bias:        g.bias("value_head/v3_bias", cfg.ValueChannels),
		SV3Mul:        g.dense("value_head/sv3_mul", v2, cfg.ScoreChannels),
		SV3Bias:       g.bias("value_head/sv3_bias", cfg.ScoreChannels),
		OwnershipConv: g.conv("value_head/ownership_conv", 1, h, 1),
	}

	if err := m.Lint(); err != nil {
		return nil, err
	}
	return m, nil
}

type generator struct {
	cfg   Config
	state uint64
}

// next returns a value uniformly spread over [-1, 1).
func (g *generator) next() float32 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return float32(g.state>>40)/float32(1<<23) - 1
}

func (g *generator) fill(n int, scale float32) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = g.next() * scale
	}
	return w
}

func (g *generator) conv(name string, k, in, out int) desc.ConvLayer {
	return desc.ConvLayer{
		Name:        name,
		ConvYSize:   k,
		ConvXSize:   k,
		InChannels:  in,
		OutChannels: out,
		DilationY:   1,
		DilationX:   1,
		Weights:     g.fill(k*k*in*out, fanIn(k*k*in)),
	}
}

func (g *generator) dense(name string, in, out int) desc.DenseLayer {
	return desc.DenseLayer{
		Name:        name,
		InChannels:  in,
		OutChannels: out,
		Weights:     g.fill(in*out, fanIn(in)),
	}
}

func (g *generator) norm(name string, n int, act desc.ActivationKind) desc.FusedNorm {
	scale := g.fill(n, 0.25)
	for i := range scale {
		scale[i] += 1
	}
	return desc.FusedNorm{
		Name:        name,
		NumChannels: n,
		Scale:       scale,
		Bias:        g.fill(n, 0.1),
		Activation:  act,
	}
}

func (g *generator) bias(name string, n int) desc.BiasRow {
	return desc.BiasRow{Name: name, NumChannels: n, Weights: g.fill(n, 0.1)}
}

func (g *generator) blocks(prefix string, nodes []Node, c int) []desc.Block {
	blocks := make([]desc.Block, len(nodes))
	act := g.cfg.Activation
	k := g.cfg.KernelSize
	for i, n := range nodes {
		name := fmt.Sprintf("%s%d", prefix, i)
		switch n.Kind {
		case desc.BlockOrdinary:
			mid := g.cfg.MidChannels
			blocks[i] = desc.Block{Kind: n.Kind, Ordinary: &desc.OrdinaryBlock{
				Name:    name,
				PreNorm: g.norm(name+"/norm1", c, act),
				Conv1:   g.conv(name+"/w1", k, c, mid),
				MidNorm: g.norm(name+"/norm2", mid, act),
				Conv2:   g.conv(name+"/w2", k, mid, c),
			}}
		case desc.BlockGlobalPooling:
			reg, gp := g.cfg.MidChannels, g.cfg.GPoolChannels
			blocks[i] = desc.Block{Kind: n.Kind, GlobalPooling: &desc.GPoolBlock{
				Name:        name,
				PreNorm:     g.norm(name+"/norm1", c, act),
				RegularConv: g.conv(name+"/w1a", k, c, reg),
				GPoolConv:   g.conv(name+"/w1b", k, c, gp),
				GPoolNorm:   g.norm(name+"/norm1b", gp, act),
				GPoolToBias: g.dense(name+"/w1r", 3*gp, reg),
				MidNorm:     g.norm(name+"/norm2", reg, act),
				Conv2:       g.conv(name+"/w2", k, reg, c),
			}}
		case desc.BlockNestedBottleneck:
			mid := g.cfg.BottleneckChannels
			blocks[i] = desc.Block{Kind: n.Kind, NestedBottleneck: &desc.NestedBottleneckBlock{
				Name:     name,
				PreNorm:  g.norm(name+"/norm1", c, act),
				PreConv:  g.conv(name+"/w1", 1, c, mid),
				Blocks:   g.blocks(name+"/", n.Children, mid),
				PostNorm: g.norm(name+"/norm2", mid, act),
				PostConv: g.conv(name+"/w2", 1, mid, c),
			}}
		}
	}
	return blocks
}

func fanIn(n int) float32 {
	return float32(1 / math.Sqrt(float64(n)))
}
