package convert

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Checkpoint is a raw training checkpoint: a flat, dot-delimited mapping from
// parameter name to tensor, plus whatever training metadata survived export.
// No structure is assumed beyond string prefixes.
type Checkpoint struct {
	Tensors map[string]*Tensor

	// GlobalStep is the training iteration count embedded by some exporters.
	// Zero when absent; HasGlobalStep distinguishes the two.
	GlobalStep    int64
	HasGlobalStep bool
}

// ReadCheckpoint loads a checkpoint file by extension: a memory-mappable
// safetensors container, or a legacy pickled tensor dictionary for everything
// else. An outer state_dict wrapper is unwrapped and its metadata captured.
func ReadCheckpoint(p string) (*Checkpoint, error) {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".safetensors":
		return readSafetensors(p)
	case ".ckpt", ".pt", ".pth", ".bin":
		return readTorch(p)
	default:
		return nil, fmt.Errorf("unknown checkpoint format: %s", p)
	}
}

// subState extracts the tensors under prefix, with the prefix stripped.
func (c *Checkpoint) subState(prefix string) State {
	s := make(State)
	for k, t := range c.Tensors {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			s[rest] = t
		}
	}
	return s
}
