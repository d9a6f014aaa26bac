package shell

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/hailam/kaya/katanet"
	"github.com/hailam/kaya/katanet/tensor"
)

// inputFile is the JSON form of a batch of encoded positions. Spatial is
// [batch][19][19][channels] flattened, global is [batch][channels].
type inputFile struct {
	Batch   int       `json:"batch"`
	Spatial []float32 `json:"spatial"`
	Global  []float32 `json:"global"`
}

type batch struct {
	batch   int
	spatial *tensor.Tensor
	global  *tensor.Tensor
}

// inputs reads args[0] when given, otherwise an all-zero single position
// shaped for m.
func (s *Shell) inputs(m *katanet.Model, args []string) (*batch, error) {
	info := m.Info()
	if len(args) == 0 {
		return &batch{
			batch:   1,
			spatial: tensor.Zeros(1, katanet.BoardSize, katanet.BoardSize, info.InputChannels),
			global:  tensor.Zeros(1, info.GlobalChannels),
		}, nil
	}
	if len(args) > 1 {
		return nil, errors.New("expected at most one inputs file")
	}
	return readInputs(args[0], info)
}

func readInputs(path string, info katanet.Info) (*batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f inputFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if f.Batch < 1 {
		return nil, fmt.Errorf("%s: batch must be at least 1, got %d", path, f.Batch)
	}
	spatial, err := tensor.New([]int{f.Batch, katanet.BoardSize, katanet.BoardSize, info.InputChannels}, f.Spatial)
	if err != nil {
		return nil, fmt.Errorf("%s: spatial: %w", path, err)
	}
	global, err := tensor.New([]int{f.Batch, info.GlobalChannels}, f.Global)
	if err != nil {
		return nil, fmt.Errorf("%s: global: %w", path, err)
	}
	return &batch{batch: f.Batch, spatial: spatial, global: global}, nil
}

// row returns position b of a [B,C] tensor.
func row(t *tensor.Tensor, b int) []float32 {
	c := t.Dim(1)
	return t.Data()[b*c : (b+1)*c]
}

// plane returns position b of a [B,19,19,1] tensor.
func plane(t *tensor.Tensor, b int) []float32 {
	n := katanet.BoardSize * katanet.BoardSize
	return t.Data()[b*n : (b+1)*n]
}

func tanh(v float32) float64 {
	return math.Tanh(float64(v))
}
