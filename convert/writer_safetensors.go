package convert

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
)

// WriteSafetensors serializes a state to a safetensors container at p.
// Tensors are written as float32 in sorted name order so the same state always
// produces byte-identical output.
func WriteSafetensors(p string, s State, metadata map[string]string) error {
	keys := s.Keys()

	headers := make(map[string]any, len(keys)+1)
	if len(metadata) > 0 {
		headers["__metadata__"] = metadata
	}

	var offset int64
	for _, k := range keys {
		t := s[k]
		size := int64(t.Elements()) * 4
		headers[k] = safetensorMetadata{
			Type:    "F32",
			Shape:   t.Shape,
			Offsets: []int64{offset, offset + size},
		}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}

	if _, err := f.Write(header); err != nil {
		return err
	}

	for _, k := range keys {
		if err := binary.Write(f, binary.LittleEndian, s[k].Data); err != nil {
			return err
		}
	}

	return f.Close()
}
