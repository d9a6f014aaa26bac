package katanet

import (
	"fmt"

	"github.com/hailam/kaya/katanet/layers"
	"github.com/hailam/kaya/katanet/tensor"
)

// Output holds the raw logits of a full forward pass. All tensors are host
// copies owned by the caller.
type Output struct {
	Policy    *tensor.Tensor // [B,19,19,1]
	Pass      *tensor.Tensor // [B,1]
	Value     *tensor.Tensor // [B,NumValueChannels]
	Score     *tensor.Tensor // [B,min(4,NumScoreValueChannels)]
	Ownership *tensor.Tensor // [B,19,19,1]
}

// ValueOutput holds the logits of ForwardValue.
type ValueOutput struct {
	Value *tensor.Tensor
	Score *tensor.Tensor
}

// Forward evaluates a batch. spatial is [B,19,19,NumInputChannels] and
// global is [B,NumInputGlobalChannels].
func (m *Model) Forward(spatial, global *tensor.Tensor) (*Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return nil, ErrDisposed
	}
	if err := m.checkInputs(spatial, global); err != nil {
		return nil, err
	}

	s := tensor.NewScratch(m.info.Name + "/forward")
	defer s.Release()

	trunk, err := m.trunk(s, spatial, global)
	if err != nil {
		return nil, err
	}
	policy, pass, err := m.policy.apply(s, trunk)
	if err != nil {
		return nil, fmt.Errorf("policy head: %w", err)
	}
	value, score, v1, err := m.value.logits(s, trunk)
	if err != nil {
		return nil, fmt.Errorf("value head: %w", err)
	}
	own, err := m.value.ownershipMap(s, v1)
	if err != nil {
		return nil, fmt.Errorf("value head: %w", err)
	}
	return &Output{
		Policy:    policy.Clone(),
		Pass:      pass.Clone(),
		Value:     value.Clone(),
		Score:     score.Clone(),
		Ownership: own.Clone(),
	}, nil
}

// ForwardValue evaluates only the value and score logits, skipping the
// policy head and the ownership map.
func (m *Model) ForwardValue(spatial, global *tensor.Tensor) (*ValueOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return nil, ErrDisposed
	}
	if err := m.checkInputs(spatial, global); err != nil {
		return nil, err
	}

	s := tensor.NewScratch(m.info.Name + "/forward_value")
	defer s.Release()

	trunk, err := m.trunk(s, spatial, global)
	if err != nil {
		return nil, err
	}
	value, score, _, err := m.value.logits(s, trunk)
	if err != nil {
		return nil, fmt.Errorf("value head: %w", err)
	}
	return &ValueOutput{Value: value.Clone(), Score: score.Clone()}, nil
}

// ForwardTrunk returns the trunk feature map [B,19,19,TrunkChannels] that
// both heads read.
func (m *Model) ForwardTrunk(spatial, global *tensor.Tensor) (*tensor.Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return nil, ErrDisposed
	}
	if err := m.checkInputs(spatial, global); err != nil {
		return nil, err
	}

	s := tensor.NewScratch(m.info.Name + "/forward_trunk")
	defer s.Release()

	trunk, err := m.trunk(s, spatial, global)
	if err != nil {
		return nil, err
	}
	return trunk.Clone(), nil
}

func (m *Model) trunk(s *tensor.Arena, spatial, global *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := m.stemConv.Apply(s, spatial)
	if err != nil {
		return nil, fmt.Errorf("trunk: %w", err)
	}
	g, err := m.stemGlobal.Apply(s, global)
	if err != nil {
		return nil, fmt.Errorf("trunk: %w", err)
	}
	if x, err = layers.AddChannelBias(s, x, g); err != nil {
		return nil, fmt.Errorf("trunk: %w", err)
	}
	if x, err = runBlocks(s, m.blocks, x); err != nil {
		return nil, fmt.Errorf("trunk: %w", err)
	}
	if x, err = m.tipNorm.Apply(s, x); err != nil {
		return nil, fmt.Errorf("trunk: %w", err)
	}
	return x, nil
}

func (m *Model) checkInputs(spatial, global *tensor.Tensor) error {
	if spatial == nil || global == nil {
		return fmt.Errorf("%w: missing input tensor", ErrInputShape)
	}
	if spatial.Released() || global.Released() {
		return fmt.Errorf("%w: input tensor was released", ErrInputShape)
	}
	if spatial.Rank() != 4 {
		return fmt.Errorf("%w: spatial input %v has rank %d, want 4", ErrInputShape, spatial.Shape(), spatial.Rank())
	}
	if global.Rank() != 2 {
		return fmt.Errorf("%w: global input %v has rank %d, want 2", ErrInputShape, global.Shape(), global.Rank())
	}
	if spatial.Dim(1) != BoardSize || spatial.Dim(2) != BoardSize {
		return fmt.Errorf("%w: spatial input %v is not %dx%d", ErrInputShape, spatial.Shape(), BoardSize, BoardSize)
	}
	if spatial.Dim(3) != m.inputChannels {
		return fmt.Errorf("%w: spatial input has %d channels, want %d", ErrInputShape, spatial.Dim(3), m.inputChannels)
	}
	if global.Dim(1) != m.globalChannels {
		return fmt.Errorf("%w: global input has %d channels, want %d", ErrInputShape, global.Dim(1), m.globalChannels)
	}
	if spatial.Dim(0) != global.Dim(0) {
		return fmt.Errorf("%w: batch sizes %d and %d differ", ErrInputShape, spatial.Dim(0), global.Dim(0))
	}
	if spatial.Dim(0) < 1 {
		return fmt.Errorf("%w: empty batch", ErrInputShape)
	}
	return nil
}
