package katanet

import (
	"fmt"
	"math"
	"testing"

	"github.com/hailam/kaya/katanet/desc"
	"github.com/hailam/kaya/katanet/synth"
	"github.com/hailam/kaya/katanet/tensor"
)

// refNet evaluates a description directly from its records in float64,
// one position per call, with no arenas and no GEMM.
type refNet struct {
	d *desc.Model
}

const area = BoardSize * BoardSize

func toF64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func refAct(kind desc.ActivationKind, v float64) float64 {
	switch kind {
	case desc.ActReLU:
		return math.Max(v, 0)
	case desc.ActMish:
		sp := v
		if v <= 20 {
			sp = math.Log1p(math.Exp(v))
		}
		return v * math.Tanh(sp)
	}
	return v
}

func refConv(x []float64, l *desc.ConvLayer) []float64 {
	in, out := l.InChannels, l.OutChannels
	padY := l.DilationY * (l.ConvYSize - 1) / 2
	padX := l.DilationX * (l.ConvXSize - 1) / 2
	y := make([]float64, area*out)
	for py := 0; py < BoardSize; py++ {
		for px := 0; px < BoardSize; px++ {
			for o := 0; o < out; o++ {
				var sum float64
				for ky := 0; ky < l.ConvYSize; ky++ {
					iy := py + ky*l.DilationY - padY
					if iy < 0 || iy >= BoardSize {
						continue
					}
					for kx := 0; kx < l.ConvXSize; kx++ {
						ix := px + kx*l.DilationX - padX
						if ix < 0 || ix >= BoardSize {
							continue
						}
						for i := 0; i < in; i++ {
							w := l.Weights[((ky*l.ConvXSize+kx)*in+i)*out+o]
							sum += x[(iy*BoardSize+ix)*in+i] * float64(w)
						}
					}
				}
				y[(py*BoardSize+px)*out+o] = sum
			}
		}
	}
	return y
}

func refNorm(x []float64, n *desc.FusedNorm) []float64 {
	c := n.NumChannels
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = refAct(n.Activation, v*float64(n.Scale[i%c])+float64(n.Bias[i%c]))
	}
	return y
}

func refDense(x []float64, l *desc.DenseLayer) []float64 {
	y := make([]float64, l.OutChannels)
	for o := range y {
		for i := 0; i < l.InChannels; i++ {
			y[o] += x[i] * float64(l.Weights[i*l.OutChannels+o])
		}
	}
	return y
}

func refBias(x []float64, b *desc.BiasRow) []float64 {
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = v + float64(b.Weights[i])
	}
	return y
}

func refMeans(x []float64, c int) []float64 {
	means := make([]float64, c)
	for i, v := range x {
		means[i%c] += v
	}
	for j := range means {
		means[j] /= area
	}
	return means
}

// refGatePool returns [mean, mean*0.5, max].
func refGatePool(x []float64, c int) []float64 {
	means := refMeans(x, c)
	out := make([]float64, 3*c)
	for j := 0; j < c; j++ {
		out[j] = means[j]
		out[c+j] = means[j] * 0.5
		out[2*c+j] = math.Inf(-1)
	}
	for i, v := range x {
		out[2*c+i%c] = math.Max(out[2*c+i%c], v)
	}
	return out
}

// refValuePool returns [mean, mean*0.5, mean*0.15].
func refValuePool(x []float64, c int) []float64 {
	means := refMeans(x, c)
	out := make([]float64, 3*c)
	for j := 0; j < c; j++ {
		out[j] = means[j]
		out[c+j] = means[j] * 0.5
		out[2*c+j] = means[j] * 0.15
	}
	return out
}

func refAddBias(x, bias []float64) []float64 {
	c := len(bias)
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = v + bias[i%c]
	}
	return y
}

func refAdd(a, b []float64) []float64 {
	y := make([]float64, len(a))
	for i := range a {
		y[i] = a[i] + b[i]
	}
	return y
}

func firstChannel(x []float64, c int) []float64 {
	y := make([]float64, len(x)/c)
	for i := range y {
		y[i] = x[i*c]
	}
	return y
}

func (r refNet) blocks(x []float64, blocks []desc.Block) []float64 {
	for i := range blocks {
		x = refAdd(x, r.residual(x, &blocks[i]))
	}
	return x
}

func (r refNet) residual(x []float64, b *desc.Block) []float64 {
	switch b.Kind {
	case desc.BlockOrdinary:
		o := b.Ordinary
		h := refConv(refNorm(x, &o.PreNorm), &o.Conv1)
		return refConv(refNorm(h, &o.MidNorm), &o.Conv2)
	case desc.BlockGlobalPooling:
		g := b.GlobalPooling
		a := refNorm(x, &g.PreNorm)
		reg := refConv(a, &g.RegularConv)
		pooled := refNorm(refConv(a, &g.GPoolConv), &g.GPoolNorm)
		bias := refDense(refGatePool(pooled, g.GPoolNorm.NumChannels), &g.GPoolToBias)
		return refConv(refNorm(refAddBias(reg, bias), &g.MidNorm), &g.Conv2)
	case desc.BlockNestedBottleneck:
		n := b.NestedBottleneck
		m := refConv(refNorm(x, &n.PreNorm), &n.PreConv)
		m = r.blocks(m, n.Blocks)
		return refConv(refNorm(m, &n.PostNorm), &n.PostConv)
	}
	panic(fmt.Sprintf("unknown block kind %v", b.Kind))
}

type refOutput struct {
	policy, pass, value, score, ownership []float64
}

func (r refNet) forward(spatial, global []float64) refOutput {
	d := r.d
	tr := &d.Trunk
	x := refConv(spatial, &tr.InitialConv)
	x = refAddBias(x, refDense(global, &tr.InitialMatMul))
	x = r.blocks(x, tr.Blocks)
	x = refNorm(x, &tr.TipNorm)

	ph := &d.PolicyHead
	p1 := refConv(x, &ph.P1Conv)
	g1 := refNorm(refConv(x, &ph.G1Conv), &ph.G1Norm)
	summary := refGatePool(g1, ph.G1Norm.NumChannels)
	p1 = refNorm(refAddBias(p1, refDense(summary, &ph.GPoolToBias)), &ph.P1Norm)
	policy := firstChannel(refConv(p1, &ph.P2Conv), ph.P2Conv.OutChannels)
	pass := refDense(summary, &ph.GPoolToPass)[:1]

	vh := &d.ValueHead
	v1 := refNorm(refConv(x, &vh.V1Conv), &vh.V1Norm)
	hidden := refBias(refDense(refValuePool(v1, vh.V1Norm.NumChannels), &vh.V2Mul), &vh.V2Bias)
	for i, v := range hidden {
		hidden[i] = refAct(vh.V2Activation, v)
	}
	value := refBias(refDense(hidden, &vh.V3Mul), &vh.V3Bias)
	score := refBias(refDense(hidden, &vh.SV3Mul), &vh.SV3Bias)
	score = score[:min(len(score), maxScoreChannels)]
	own := firstChannel(refConv(v1, &vh.OwnershipConv), vh.OwnershipConv.OutChannels)
	return refOutput{policy: policy, pass: pass, value: value, score: score, ownership: own}
}

func compareRef(t *testing.T, name string, got *tensor.Tensor, b int, want []float64) {
	t.Helper()
	n := len(want)
	data := got.Data()[b*n : (b+1)*n]
	for i, w := range want {
		if diff := math.Abs(float64(data[i]) - w); diff > 1e-4+1e-4*math.Abs(w) {
			t.Errorf("%s[%d][%d] = %g, want %g", name, b, i, data[i], w)
			return
		}
	}
}

func TestForwardMatchesReference(t *testing.T) {
	tests := []struct {
		name   string
		layout string
		mutate func(*synth.Config)
	}{
		{"mixed", "o g n(o,g)", nil},
		{"nested2", synth.NestedLayout(2), nil},
		{"relu_wide", "g o", func(c *synth.Config) {
			c.Activation = desc.ActReLU
			c.PolicyOutChannels = 2
			c.ScoreChannels = 6
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := generate(t, func(c *synth.Config) {
				c.Layout = tt.layout
				c.Seed = 5
				if tt.mutate != nil {
					tt.mutate(c)
				}
			})
			m := build(t, d)
			const batch = 2
			spatial, global := inputs(t, d, batch, 9)
			out, err := m.Forward(spatial, global)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}

			ref := refNet{d: d}
			sp, gl := toF64(spatial.Data()), toF64(global.Data())
			ns, ng := area*d.NumInputChannels, d.NumInputGlobalChannels
			for b := 0; b < batch; b++ {
				want := ref.forward(sp[b*ns:(b+1)*ns], gl[b*ng:(b+1)*ng])
				compareRef(t, "policy", out.Policy, b, want.policy)
				compareRef(t, "pass", out.Pass, b, want.pass)
				compareRef(t, "value", out.Value, b, want.value)
				compareRef(t, "score", out.Score, b, want.score)
				compareRef(t, "ownership", out.Ownership, b, want.ownership)
			}
		})
	}
}

// zeroLastConv clears the convolution that produces each block's residual.
func zeroLastConv(blocks []desc.Block) {
	for i := range blocks {
		var c *desc.ConvLayer
		switch b := &blocks[i]; b.Kind {
		case desc.BlockOrdinary:
			c = &b.Ordinary.Conv2
		case desc.BlockGlobalPooling:
			c = &b.GlobalPooling.Conv2
		case desc.BlockNestedBottleneck:
			c = &b.NestedBottleneck.PostConv
		}
		clear(c.Weights)
	}
}

func TestZeroResidualKeepsInput(t *testing.T) {
	for _, layout := range []string{"o", "g", "n(o)"} {
		t.Run(layout, func(t *testing.T) {
			d := generate(t, func(c *synth.Config) { c.Layout = layout })
			zeroLastConv(d.Trunk.Blocks)
			m := build(t, d)

			s := tensor.NewScratch("test")
			defer s.Release()
			x := s.Alloc(1, BoardSize, BoardSize, d.TrunkChannels())
			for i := range x.Data() {
				x.Data()[i] = float32(i%13)*0.25 - 1.5
			}
			y, err := runBlocks(s, m.blocks, x)
			if err != nil {
				t.Fatalf("runBlocks failed: %v", err)
			}
			if y == x {
				t.Fatal("runBlocks returned its input tensor")
			}
			for i, v := range y.Data() {
				if v != x.Data()[i] {
					t.Fatalf("y[%d] = %g, want input %g", i, v, x.Data()[i])
				}
			}
		})
	}
}

func TestResidualAddsToInput(t *testing.T) {
	d := generate(t, func(c *synth.Config) { c.Layout = "o" })
	m := build(t, d)
	s := tensor.NewScratch("test")
	defer s.Release()
	x := s.Alloc(1, BoardSize, BoardSize, d.TrunkChannels())
	for i := range x.Data() {
		x.Data()[i] = float32(i%5) - 2
	}

	y, err := runBlocks(s, m.blocks, x)
	if err != nil {
		t.Fatalf("runBlocks failed: %v", err)
	}
	delta, err := m.blocks[0].ordinary.residual(s, x)
	if err != nil {
		t.Fatalf("residual failed: %v", err)
	}
	for i, v := range y.Data() {
		if want := x.Data()[i] + delta.Data()[i]; v != want {
			t.Fatalf("y[%d] = %g, want x + residual = %g", i, v, want)
		}
	}
}
