package convert

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// readTorch loads a legacy pickled tensor dictionary. Exporters commonly wrap
// the weights in an outer dict holding "state_dict" and training bookkeeping
// such as "global_step"; both layers are handled here.
func readTorch(p string) (*Checkpoint, error) {
	m, err := pytorch.Load(p)
	if err != nil {
		return nil, fmt.Errorf("unpickling %s: %w", p, err)
	}

	c := &Checkpoint{Tensors: make(map[string]*Tensor)}

	if step, ok := dictGet(m, "global_step"); ok {
		switch v := step.(type) {
		case int:
			c.GlobalStep, c.HasGlobalStep = int64(v), true
		case int64:
			c.GlobalStep, c.HasGlobalStep = v, true
		}
	}

	if sd, ok := dictGet(m, "state_dict"); ok {
		m = sd
	}

	for _, k := range dictKeys(m) {
		name, ok := k.(string)
		if !ok {
			continue
		}

		v, _ := dictGet(m, name)
		pt, ok := v.(*pytorch.Tensor)
		if !ok {
			// optimizer state, EMA counters and other non-tensor entries
			slog.Debug("skipping non-tensor entry", "key", name)
			continue
		}

		t, err := torchTensor(name, pt)
		if err != nil {
			return nil, err
		}
		c.Tensors[unwrapKey(name)] = t
	}

	return c, nil
}

func torchTensor(name string, pt *pytorch.Tensor) (*Tensor, error) {
	var shape []uint64
	n := 1
	for _, dim := range pt.Size {
		shape = append(shape, uint64(dim))
		n *= dim
	}

	f32s := make([]float32, n)
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		copy(f32s, s.Data[pt.StorageOffset:])
	case *pytorch.HalfStorage:
		copy(f32s, s.Data[pt.StorageOffset:])
	case *pytorch.BFloat16Storage:
		copy(f32s, s.Data[pt.StorageOffset:])
	case *pytorch.DoubleStorage:
		for i, v := range s.Data[pt.StorageOffset : pt.StorageOffset+n] {
			f32s[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("tensor %q: unsupported storage type %T", name, pt.Source)
	}

	return &Tensor{Name: name, Shape: shape, Data: f32s}, nil
}

// dictGet reads a key from whichever dict flavor the unpickler produced.
func dictGet(m any, key string) (any, bool) {
	switch d := m.(type) {
	case *types.Dict:
		return d.Get(key)
	case *types.OrderedDict:
		if e, ok := d.Map[key]; ok {
			return e.Value, true
		}
	}
	return nil, false
}

func dictKeys(m any) []any {
	switch d := m.(type) {
	case *types.Dict:
		return d.Keys()
	case *types.OrderedDict:
		keys := make([]any, 0, len(d.Map))
		for k := range d.Map {
			keys = append(keys, k)
		}
		return keys
	}
	return nil
}

// unwrapKey strips an inline "state_dict." prefix left by exporters that
// flatten the wrapper dict instead of nesting it.
func unwrapKey(k string) string {
	return strings.TrimPrefix(k, "state_dict.")
}
