package katanet

import (
	"github.com/hailam/kaya/katanet/desc"
	"github.com/hailam/kaya/katanet/layers"
	"github.com/hailam/kaya/katanet/tensor"
)

type policyHead struct {
	p1, g1      *layers.Conv2D
	g1Norm      *layers.NormAct
	toBias      *layers.MatMul
	p1Norm      *layers.NormAct
	p2          *layers.Conv2D
	toPass      *layers.MatMul
	outChannels int
}

// apply returns the policy map [B,H,W,1] and pass logit [B,1]. Auxiliary
// policy channels are dropped.
func (h *policyHead) apply(s *tensor.Arena, trunk *tensor.Tensor) (policy, pass *tensor.Tensor, err error) {
	p1, err := h.p1.Apply(s, trunk)
	if err != nil {
		return nil, nil, err
	}
	g1, err := h.g1.Apply(s, trunk)
	if err != nil {
		return nil, nil, err
	}
	g1, err = h.g1Norm.Apply(s, g1)
	if err != nil {
		return nil, nil, err
	}
	summary, err := layers.GatePool(s, g1)
	if err != nil {
		return nil, nil, err
	}
	bias, err := h.toBias.Apply(s, summary)
	if err != nil {
		return nil, nil, err
	}
	p1, err = layers.AddChannelBias(s, p1, bias)
	if err != nil {
		return nil, nil, err
	}
	p1, err = h.p1Norm.Apply(s, p1)
	if err != nil {
		return nil, nil, err
	}
	if policy, err = h.p2.Apply(s, p1); err != nil {
		return nil, nil, err
	}
	if pass, err = h.toPass.Apply(s, summary); err != nil {
		return nil, nil, err
	}

	if h.outChannels > policyChannels {
		if policy, err = layers.SliceChannels(s, policy, policyChannels); err != nil {
			return nil, nil, err
		}
		if pass, err = layers.SliceChannels(s, pass, policyChannels); err != nil {
			return nil, nil, err
		}
	}
	return policy, pass, nil
}

type valueHead struct {
	v1        *layers.Conv2D
	v1Norm    *layers.NormAct
	v2        *layers.MatMul
	v2Bias    *layers.MatBias
	v2Act     desc.ActivationKind
	v3        *layers.MatMul
	v3Bias    *layers.MatBias
	sv3       *layers.MatMul
	sv3Bias   *layers.MatBias
	ownership *layers.Conv2D
}

// logits returns the value and score logits along with the v1 feature map
// the ownership conv reads.
func (h *valueHead) logits(s *tensor.Arena, trunk *tensor.Tensor) (value, score, v1 *tensor.Tensor, err error) {
	if v1, err = h.v1.Apply(s, trunk); err != nil {
		return nil, nil, nil, err
	}
	if v1, err = h.v1Norm.Apply(s, v1); err != nil {
		return nil, nil, nil, err
	}
	summary, err := layers.ValuePool(s, v1)
	if err != nil {
		return nil, nil, nil, err
	}
	hidden, err := h.v2.Apply(s, summary)
	if err != nil {
		return nil, nil, nil, err
	}
	if hidden, err = h.v2Bias.Apply(s, hidden); err != nil {
		return nil, nil, nil, err
	}
	if hidden, err = layers.ApplyActivation(s, h.v2Act, hidden); err != nil {
		return nil, nil, nil, err
	}

	if value, err = h.v3.Apply(s, hidden); err != nil {
		return nil, nil, nil, err
	}
	if value, err = h.v3Bias.Apply(s, value); err != nil {
		return nil, nil, nil, err
	}
	if score, err = h.sv3.Apply(s, hidden); err != nil {
		return nil, nil, nil, err
	}
	if score, err = h.sv3Bias.Apply(s, score); err != nil {
		return nil, nil, nil, err
	}
	if score.Dim(1) > maxScoreChannels {
		if score, err = layers.SliceChannels(s, score, maxScoreChannels); err != nil {
			return nil, nil, nil, err
		}
	}
	return value, score, v1, nil
}

// ownershipMap returns the single-channel ownership logits. No activation
// is applied.
func (h *valueHead) ownershipMap(s *tensor.Arena, v1 *tensor.Tensor) (*tensor.Tensor, error) {
	own, err := h.ownership.Apply(s, v1)
	if err != nil {
		return nil, err
	}
	if own.Dim(3) > ownershipChannel {
		return layers.SliceChannels(s, own, ownershipChannel)
	}
	return own, nil
}
