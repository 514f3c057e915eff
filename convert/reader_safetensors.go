package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// readSafetensors loads a safetensors container: an 8 byte little-endian
// header length, a JSON header mapping names to dtype/shape/offsets, then raw
// tensor data. Tensors are decoded to float32 key by key.
func readSafetensors(p string) (*Checkpoint, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, f, n); err != nil {
		return nil, err
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, err
	}

	c := &Checkpoint{Tensors: make(map[string]*Tensor, len(headers))}

	keys := maps.Keys(headers)
	slices.Sort(keys)

	for _, key := range keys {
		value := headers[key]
		if value.Type == "" {
			continue
		}

		if len(value.Shape) == 0 {
			return nil, errors.New("unsupported safetensors checkpoint: zero-dimensional tensor")
		}

		t, err := readSafetensor(f, n, key, value)
		if err != nil {
			return nil, err
		}
		c.Tensors[unwrapKey(key)] = t
	}

	if err := readSafetensorsStep(p, c); err != nil {
		return nil, err
	}

	return c, nil
}

func readSafetensor(f *os.File, header int64, key string, md safetensorMetadata) (*Tensor, error) {
	offset := safetensorsPad(header, md.Offsets[0])
	size := safetensorsPad(header, md.Offsets[1]) - offset

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	var f32s []float32
	switch md.Type {
	case "F32":
		f32s = make([]float32, size/4)
		if err := binary.Read(f, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, size/2)
		if err := binary.Read(f, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		u8s := make([]uint8, size)
		if err := binary.Read(f, binary.LittleEndian, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("tensor %q: unknown data type %s", key, md.Type)
	}

	return &Tensor{Name: key, Shape: md.Shape, Data: f32s}, nil
}

// safetensorsPad returns the absolute file offset for a data offset relative
// to the end of a header of length n.
func safetensorsPad(n, offset int64) int64 {
	return 8 + n + offset
}

// readSafetensorsStep recovers global_step from the optional __metadata__
// block, which safetensors constrains to string values.
func readSafetensorsStep(p string, c *Checkpoint) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return err
	}

	var header struct {
		Metadata map[string]string `json:"__metadata__"`
	}
	if err := json.NewDecoder(io.LimitReader(f, n)).Decode(&header); err != nil {
		// headers with non-string metadata values are not an error
		return nil
	}

	if s, ok := header.Metadata["global_step"]; ok {
		if step, err := strconv.ParseInt(s, 10, 64); err == nil {
			c.GlobalStep, c.HasGlobalStep = step, true
		}
	}

	return nil
}
