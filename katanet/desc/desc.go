// Package desc defines the typed architecture description of a katanet
// model.
//
// A description is produced by decoding a model file and is treated as
// immutable afterwards. Weight arrays are flat and row-major; their shapes
// are given by the declared channel and kernel sizes of each record.
package desc

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned when a description's arrays disagree with the
// shapes it declares.
var ErrMalformed = errors.New("malformed model description")

// ActivationKind selects the nonlinearity applied after a layer.
type ActivationKind int

const (
	ActIdentity ActivationKind = iota
	ActReLU
	ActMish
)

var activationNames = [...]string{
	ActIdentity: "identity",
	ActReLU:     "relu",
	ActMish:     "mish",
}

func (k ActivationKind) String() string {
	if k < 0 || int(k) >= len(activationNames) {
		return fmt.Sprintf("ActivationKind(%d)", int(k))
	}
	return activationNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k ActivationKind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(activationNames) {
		return nil, fmt.Errorf("unknown activation %d", int(k))
	}
	return []byte(activationNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ActivationKind) UnmarshalText(b []byte) error {
	kind, err := ParseActivation(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseActivation maps a name such as "mish" to its kind.
func ParseActivation(name string) (ActivationKind, error) {
	for i, n := range activationNames {
		if n == name {
			return ActivationKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown activation %q", name)
}

// ConvLayer is a 2D convolution with "same" padding and stride 1.
// Weights are laid out [ConvYSize, ConvXSize, InChannels, OutChannels].
type ConvLayer struct {
	Name        string    `json:"name"`
	ConvYSize   int       `json:"conv_y_size"`
	ConvXSize   int       `json:"conv_x_size"`
	InChannels  int       `json:"in_channels"`
	OutChannels int       `json:"out_channels"`
	DilationY   int       `json:"dilation_y"`
	DilationX   int       `json:"dilation_x"`
	Weights     []float32 `json:"weights"`
}

// FusedNorm is a batch norm whose statistics were folded into a per-channel
// scale and bias, followed by an activation.
type FusedNorm struct {
	Name        string         `json:"name"`
	NumChannels int            `json:"num_channels"`
	Scale       []float32      `json:"scale"`
	Bias        []float32      `json:"bias"`
	Activation  ActivationKind `json:"activation"`
}

// DenseLayer is a matrix multiply with weights shaped [InChannels, OutChannels].
type DenseLayer struct {
	Name        string    `json:"name"`
	InChannels  int       `json:"in_channels"`
	OutChannels int       `json:"out_channels"`
	Weights     []float32 `json:"weights"`
}

// BiasRow is added to every batch row after a dense layer.
type BiasRow struct {
	Name        string    `json:"name"`
	NumChannels int       `json:"num_channels"`
	Weights     []float32 `json:"weights"`
}

// BlockKind tags the variant held by a Block.
type BlockKind int

const (
	BlockOrdinary BlockKind = iota
	BlockGlobalPooling
	BlockNestedBottleneck
)

var blockKindNames = [...]string{
	BlockOrdinary:         "ordinary",
	BlockGlobalPooling:    "gpool",
	BlockNestedBottleneck: "nested_bottleneck",
}

func (k BlockKind) String() string {
	if k < 0 || int(k) >= len(blockKindNames) {
		return fmt.Sprintf("BlockKind(%d)", int(k))
	}
	return blockKindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k BlockKind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(blockKindNames) {
		return nil, fmt.Errorf("unknown block kind %d", int(k))
	}
	return []byte(blockKindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *BlockKind) UnmarshalText(b []byte) error {
	for i, n := range blockKindNames {
		if n == string(b) {
			*k = BlockKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown block kind %q", string(b))
}

// Block is one trunk block. Exactly the field matching Kind is set.
type Block struct {
	Kind             BlockKind              `json:"kind"`
	Ordinary         *OrdinaryBlock         `json:"ordinary,omitempty"`
	GlobalPooling    *GPoolBlock            `json:"gpool,omitempty"`
	NestedBottleneck *NestedBottleneckBlock `json:"nested_bottleneck,omitempty"`
}

// OrdinaryBlock is a pre-activation residual unit.
type OrdinaryBlock struct {
	Name    string    `json:"name"`
	PreNorm FusedNorm `json:"pre_norm"`
	Conv1   ConvLayer `json:"conv1"`
	MidNorm FusedNorm `json:"mid_norm"`
	Conv2   ConvLayer `json:"conv2"`
}

// GPoolBlock is a residual unit whose first convolution is biased by a
// globally pooled summary of a parallel branch.
type GPoolBlock struct {
	Name        string     `json:"name"`
	PreNorm     FusedNorm  `json:"pre_norm"`
	RegularConv ConvLayer  `json:"regular_conv"`
	GPoolConv   ConvLayer  `json:"gpool_conv"`
	GPoolNorm   FusedNorm  `json:"gpool_norm"`
	GPoolToBias DenseLayer `json:"gpool_to_bias"`
	MidNorm     FusedNorm  `json:"mid_norm"`
	Conv2       ConvLayer  `json:"conv2"`
}

// NestedBottleneckBlock projects down, runs its own block list and projects
// back up.
type NestedBottleneckBlock struct {
	Name     string    `json:"name"`
	PreNorm  FusedNorm `json:"pre_norm"`
	PreConv  ConvLayer `json:"pre_conv"`
	Blocks   []Block   `json:"blocks"`
	PostNorm FusedNorm `json:"post_norm"`
	PostConv ConvLayer `json:"post_conv"`
}

// Trunk is the shared backbone.
type Trunk struct {
	Name          string     `json:"name"`
	InitialConv   ConvLayer  `json:"initial_conv"`
	InitialMatMul DenseLayer `json:"initial_matmul"`
	Blocks        []Block    `json:"blocks"`
	TipNorm       FusedNorm  `json:"tip_norm"`
}

// PolicyHead produces the move map and the pass logit.
type PolicyHead struct {
	Name              string     `json:"name"`
	P1Conv            ConvLayer  `json:"p1_conv"`
	G1Conv            ConvLayer  `json:"g1_conv"`
	G1Norm            FusedNorm  `json:"g1_norm"`
	GPoolToBias       DenseLayer `json:"gpool_to_bias"`
	P1Norm            FusedNorm  `json:"p1_norm"`
	P2Conv            ConvLayer  `json:"p2_conv"`
	GPoolToPass       DenseLayer `json:"gpool_to_pass"`
	PolicyOutChannels int        `json:"policy_out_channels"`
}

// ValueHead produces value logits, score logits and the ownership map.
type ValueHead struct {
	Name          string         `json:"name"`
	V1Conv        ConvLayer      `json:"v1_conv"`
	V1Norm        FusedNorm      `json:"v1_norm"`
	V2Mul         DenseLayer     `json:"v2_mul"`
	V2Bias        BiasRow        `json:"v2_bias"`
	V2Activation  ActivationKind `json:"v2_activation"`
	V3Mul         DenseLayer     `json:"v3_mul"`
	V3Bias        BiasRow        `json:"v3_bias"`
	SV3Mul        DenseLayer     `json:"sv3_mul"`
	SV3Bias       BiasRow        `json:"sv3_bias"`
	OwnershipConv ConvLayer      `json:"ownership_conv"`
}

// PostProcess holds the output multipliers of the model file. The engine
// stores them for the decoder and never applies them.
type PostProcess struct {
	ScoreMeanMultiplier           float64 `json:"score_mean_multiplier"`
	ScoreStdevMultiplier          float64 `json:"score_stdev_multiplier"`
	LeadMultiplier                float64 `json:"lead_multiplier"`
	VarianceTimeMultiplier        float64 `json:"variance_time_multiplier"`
	ShorttermValueErrorMultiplier float64 `json:"shortterm_value_error_multiplier"`
	ShorttermScoreErrorMultiplier float64 `json:"shortterm_score_error_multiplier"`
	OutputScaleMultiplier         float64 `json:"output_scale_multiplier"`
}

// Model is the complete architecture description.
type Model struct {
	Name                   string      `json:"name"`
	Version                int         `json:"version"`
	NumInputChannels       int         `json:"num_input_channels"`
	NumInputGlobalChannels int         `json:"num_input_global_channels"`
	NumValueChannels       int         `json:"num_value_channels"`
	NumScoreValueChannels  int         `json:"num_score_value_channels"`
	NumOwnershipChannels   int         `json:"num_ownership_channels"`
	PostProcess            PostProcess `json:"post_process"`
	Trunk                  Trunk       `json:"trunk"`
	PolicyHead             PolicyHead  `json:"policy_head"`
	ValueHead              ValueHead   `json:"value_head"`
}

// TrunkChannels returns the trunk width, taken from the initial convolution.
func (m *Model) TrunkChannels() int {
	return m.Trunk.InitialConv.OutChannels
}
