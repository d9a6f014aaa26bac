package desc

import "fmt"

// Validate checks that every weight array matches the shape its record
// declares and that every block carries the variant its tag names. Errors
// wrap ErrMalformed and name the offending layer path.
func (m *Model) Validate() error {
	var err error
	m.Walk(func(path string, layer any) bool {
		err = validateLayer(path, layer)
		return err == nil
	})
	if err != nil {
		return err
	}
	if err := validateBlocks("trunk.blocks", m.Trunk.Blocks); err != nil {
		return err
	}
	if m.PolicyHead.PolicyOutChannels < 1 {
		return fmt.Errorf("%w: policy_head: policy_out_channels %d", ErrMalformed, m.PolicyHead.PolicyOutChannels)
	}
	return nil
}

func validateBlocks(path string, blocks []Block) error {
	for i := range blocks {
		b := &blocks[i]
		p := fmt.Sprintf("%s[%d]", path, i)
		set := 0
		if b.Ordinary != nil {
			set++
		}
		if b.GlobalPooling != nil {
			set++
		}
		if b.NestedBottleneck != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("%w: %s: %d block variants set", ErrMalformed, p, set)
		}
		switch b.Kind {
		case BlockOrdinary:
			if b.Ordinary == nil {
				return fmt.Errorf("%w: %s: kind %s without body", ErrMalformed, p, b.Kind)
			}
		case BlockGlobalPooling:
			if b.GlobalPooling == nil {
				return fmt.Errorf("%w: %s: kind %s without body", ErrMalformed, p, b.Kind)
			}
		case BlockNestedBottleneck:
			if b.NestedBottleneck == nil {
				return fmt.Errorf("%w: %s: kind %s without body", ErrMalformed, p, b.Kind)
			}
			if err := validateBlocks(p+".blocks", b.NestedBottleneck.Blocks); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %s: unknown block kind %d", ErrMalformed, p, int(b.Kind))
		}
	}
	return nil
}

func validateLayer(path string, layer any) error {
	switch l := layer.(type) {
	case *ConvLayer:
		return l.check(path)
	case *FusedNorm:
		return l.check(path)
	case *DenseLayer:
		return l.check(path)
	case *BiasRow:
		return l.check(path)
	}
	return nil
}

func (c *ConvLayer) check(path string) error {
	if c.ConvYSize < 1 || c.ConvXSize < 1 || c.InChannels < 1 || c.OutChannels < 1 {
		return fmt.Errorf("%w: %s: conv dims %dx%d %d->%d", ErrMalformed, path,
			c.ConvYSize, c.ConvXSize, c.InChannels, c.OutChannels)
	}
	if c.DilationY < 1 || c.DilationX < 1 {
		return fmt.Errorf("%w: %s: dilation %dx%d", ErrMalformed, path, c.DilationY, c.DilationX)
	}
	if want := c.ConvYSize * c.ConvXSize * c.InChannels * c.OutChannels; len(c.Weights) != want {
		return fmt.Errorf("%w: %s: %d conv weights, want %d", ErrMalformed, path, len(c.Weights), want)
	}
	return nil
}

func (n *FusedNorm) check(path string) error {
	if n.NumChannels < 1 {
		return fmt.Errorf("%w: %s: %d channels", ErrMalformed, path, n.NumChannels)
	}
	if len(n.Scale) != n.NumChannels || len(n.Bias) != n.NumChannels {
		return fmt.Errorf("%w: %s: scale/bias lengths %d/%d, want %d", ErrMalformed, path,
			len(n.Scale), len(n.Bias), n.NumChannels)
	}
	if _, err := n.Activation.MarshalText(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return nil
}

func (d *DenseLayer) check(path string) error {
	if d.InChannels < 1 || d.OutChannels < 1 {
		return fmt.Errorf("%w: %s: dense dims %d->%d", ErrMalformed, path, d.InChannels, d.OutChannels)
	}
	if want := d.InChannels * d.OutChannels; len(d.Weights) != want {
		return fmt.Errorf("%w: %s: %d dense weights, want %d", ErrMalformed, path, len(d.Weights), want)
	}
	return nil
}

func (b *BiasRow) check(path string) error {
	if b.NumChannels < 1 || len(b.Weights) != b.NumChannels {
		return fmt.Errorf("%w: %s: %d bias values, want %d", ErrMalformed, path, len(b.Weights), b.NumChannels)
	}
	return nil
}

// Lint checks that the channel counts of consecutive layers agree. It is
// stricter than Validate and is meant for tooling that imports descriptions
// from outside; model construction only needs Validate. Lint runs Validate
// first.
func (m *Model) Lint() error {
	if err := m.Validate(); err != nil {
		return err
	}
	t := &m.Trunk
	c := t.InitialConv.OutChannels
	err := chain{
		{"trunk.initial_conv.in_channels", t.InitialConv.InChannels, m.NumInputChannels},
		{"trunk.initial_matmul.in_channels", t.InitialMatMul.InChannels, m.NumInputGlobalChannels},
		{"trunk.initial_matmul.out_channels", t.InitialMatMul.OutChannels, c},
		{"trunk.tip_norm.num_channels", t.TipNorm.NumChannels, c},
	}.check()
	if err != nil {
		return err
	}
	if err := lintBlocks("trunk.blocks", t.Blocks, c); err != nil {
		return err
	}
	if err := m.PolicyHead.lint(c); err != nil {
		return err
	}
	return m.ValueHead.lint(m, c)
}

type chain []struct {
	path      string
	got, want int
}

func (ch chain) check() error {
	for _, c := range ch {
		if c.got != c.want {
			return fmt.Errorf("%w: %s is %d, want %d", ErrMalformed, c.path, c.got, c.want)
		}
	}
	return nil
}

func lintBlocks(path string, blocks []Block, c int) error {
	for i := range blocks {
		p := fmt.Sprintf("%s[%d]", path, i)
		var err error
		switch b := &blocks[i]; b.Kind {
		case BlockOrdinary:
			o := b.Ordinary
			mid := o.Conv1.OutChannels
			err = chain{
				{p + ".pre_norm", o.PreNorm.NumChannels, c},
				{p + ".conv1.in", o.Conv1.InChannels, c},
				{p + ".mid_norm", o.MidNorm.NumChannels, mid},
				{p + ".conv2.in", o.Conv2.InChannels, mid},
				{p + ".conv2.out", o.Conv2.OutChannels, c},
			}.check()
		case BlockGlobalPooling:
			g := b.GlobalPooling
			reg, gp := g.RegularConv.OutChannels, g.GPoolConv.OutChannels
			err = chain{
				{p + ".pre_norm", g.PreNorm.NumChannels, c},
				{p + ".regular_conv.in", g.RegularConv.InChannels, c},
				{p + ".gpool_conv.in", g.GPoolConv.InChannels, c},
				{p + ".gpool_norm", g.GPoolNorm.NumChannels, gp},
				{p + ".gpool_to_bias.in", g.GPoolToBias.InChannels, 3 * gp},
				{p + ".gpool_to_bias.out", g.GPoolToBias.OutChannels, reg},
				{p + ".mid_norm", g.MidNorm.NumChannels, reg},
				{p + ".conv2.in", g.Conv2.InChannels, reg},
				{p + ".conv2.out", g.Conv2.OutChannels, c},
			}.check()
		case BlockNestedBottleneck:
			n := b.NestedBottleneck
			mid := n.PreConv.OutChannels
			err = chain{
				{p + ".pre_norm", n.PreNorm.NumChannels, c},
				{p + ".pre_conv.in", n.PreConv.InChannels, c},
				{p + ".post_norm", n.PostNorm.NumChannels, mid},
				{p + ".post_conv.in", n.PostConv.InChannels, mid},
				{p + ".post_conv.out", n.PostConv.OutChannels, c},
			}.check()
			if err == nil {
				err = lintBlocks(p+".blocks", n.Blocks, mid)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *PolicyHead) lint(c int) error {
	p1, g1, out := h.P1Conv.OutChannels, h.G1Conv.OutChannels, h.PolicyOutChannels
	return chain{
		{"policy_head.p1_conv.in", h.P1Conv.InChannels, c},
		{"policy_head.g1_conv.in", h.G1Conv.InChannels, c},
		{"policy_head.g1_norm", h.G1Norm.NumChannels, g1},
		{"policy_head.gpool_to_bias.in", h.GPoolToBias.InChannels, 3 * g1},
		{"policy_head.gpool_to_bias.out", h.GPoolToBias.OutChannels, p1},
		{"policy_head.p1_norm", h.P1Norm.NumChannels, p1},
		{"policy_head.p2_conv.in", h.P2Conv.InChannels, p1},
		{"policy_head.p2_conv.out", h.P2Conv.OutChannels, out},
		{"policy_head.gpool_to_pass.in", h.GPoolToPass.InChannels, 3 * g1},
		{"policy_head.gpool_to_pass.out", h.GPoolToPass.OutChannels, out},
	}.check()
}

func (h *ValueHead) lint(m *Model, c int) error {
	v1, v2 := h.V1Conv.OutChannels, h.V2Mul.OutChannels
	return chain{
		{"value_head.v1_conv.in", h.V1Conv.InChannels, c},
		{"value_head.v1_norm", h.V1Norm.NumChannels, v1},
		{"value_head.v2_mul.in", h.V2Mul.InChannels, 3 * v1},
		{"value_head.v2_bias", h.V2Bias.NumChannels, v2},
		{"value_head.v3_mul.in", h.V3Mul.InChannels, v2},
		{"value_head.v3_mul.out", h.V3Mul.OutChannels, m.NumValueChannels},
		{"value_head.v3_bias", h.V3Bias.NumChannels, m.NumValueChannels},
		{"value_head.sv3_mul.in", h.SV3Mul.InChannels, v2},
		{"value_head.sv3_mul.out", h.SV3Mul.OutChannels, m.NumScoreValueChannels},
		{"value_head.sv3_bias", h.SV3Bias.NumChannels, m.NumScoreValueChannels},
		{"value_head.ownership_conv.in", h.OwnershipConv.InChannels, v1},
		{"value_head.ownership_conv.out", h.OwnershipConv.OutChannels, m.NumOwnershipChannels},
		{"num_ownership_channels", m.NumOwnershipChannels, 1},
	}.check()
}
