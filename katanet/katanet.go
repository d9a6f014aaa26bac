// Package katanet runs the forward pass of a KataGo-style Go evaluation
// network on the CPU.
//
// A Model is built once from a desc.Model and owns every weight tensor it
// creates. Forward evaluates a batch of encoded positions and returns the
// raw policy, pass, value, score and ownership logits as host tensors;
// ForwardValue skips the spatial heads. Every intermediate tensor lives in
// an arena that is released before the call returns, so only weights
// persist between calls. Dispose releases the weights; the model is
// unusable afterwards.
//
// Forward calls may run concurrently on the same model. Batching positions
// along the first axis is the cheaper way to evaluate many positions.
package katanet

import (
	"errors"

	"github.com/hailam/kaya/katanet/layers"
)

var (
	// ErrDisposed is returned by every method of a disposed model.
	ErrDisposed = errors.New("model is disposed")

	// ErrInputShape is returned when forward inputs do not match the model.
	ErrInputShape = errors.New("input shape mismatch")
)

// BoardSize is the board dimension every model is evaluated at.
const BoardSize = layers.BoardSize

// Outputs cut from wider heads.
const (
	maxScoreChannels = 4
	policyChannels   = 1
	ownershipChannel = 1
)
