// Package cache persists assembled models to a canonical on-disk layout keyed
// by logical model name, so the conversion pipeline runs at most once per
// source artifact. Entries are self-describing: one subdirectory per sub-model
// holding its config and weights, readable directly without remapping.
package cache

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/diffusekit/diffusekit/convert"
	"github.com/diffusekit/diffusekit/envconfig"
	"github.com/diffusekit/diffusekit/model"
)

// ErrNotFound is returned by Lookup when no entry exists for the name.
var ErrNotFound = errors.New("model not cached")

// Manifest is the top-level description of a cache entry.
type Manifest struct {
	Name           string                 `json:"name"`
	Family         convert.Family         `json:"family"`
	PredictionType convert.PredictionType `json:"prediction_type"`
	SampleSize     int                    `json:"sample_size"`
	Keyword        string                 `json:"keyword,omitempty"`
}

type Manager struct {
	root string
}

// NewManager returns a cache rooted at dir, or at the configured models
// directory when dir is empty.
func NewManager(dir string) *Manager {
	return &Manager{root: cmp.Or(dir, envconfig.ModelsDir)}
}

func (c *Manager) Dir(name string) string {
	return filepath.Join(c.root, name)
}

// Lookup reads a structured, pre-assembled model directly from disk,
// bypassing detection, resolution and remapping entirely.
func (c *Manager) Lookup(name string) (*model.Model, *Manifest, error) {
	dir := c.Dir(name)
	if _, err := os.Stat(filepath.Join(dir, "model_index.json")); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	return LoadDir(dir)
}

// Store persists an assembled model under name. Storing is idempotent: an
// existing entry is overwritten deterministically. The entry is written to a
// temporary directory first and moved into place, so a reader never observes
// a half-written entry.
func (c *Manager) Store(name string, m *model.Model, mf Manifest) error {
	mf.Name = name
	mf.Family = m.TextEncoder.Config.Family
	mf.PredictionType = m.PredictionType
	mf.SampleSize = m.UNet.Config.SampleSize * 8

	tmp := filepath.Join(c.root, ".tmp-"+uuid.New().String())
	if err := writeEntry(tmp, m, mf); err != nil {
		os.RemoveAll(tmp)
		return err
	}

	dir := c.Dir(name)
	if err := os.RemoveAll(dir); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		return err
	}

	slog.Debug("stored model", "name", name, "dir", dir)
	return nil
}

func writeEntry(dir string, m *model.Model, mf Manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := writeJSON(filepath.Join(dir, "model_index.json"), mf); err != nil {
		return err
	}

	parts := []struct {
		sub    string
		config any
		state  convert.State
	}{
		{"unet", m.UNet.Config, m.UNet.State},
		{"vae", m.VAE.Config, m.VAE.State},
		{"text_encoder", m.TextEncoder.Config, m.TextEncoder.State},
	}

	for _, p := range parts {
		if err := writeJSON(filepath.Join(dir, p.sub, "config.json"), p.config); err != nil {
			return err
		}
		if err := convert.WriteSafetensors(filepath.Join(dir, p.sub, "model.safetensors"), p.state, map[string]string{"format": "pt"}); err != nil {
			return err
		}
	}

	return writeJSON(filepath.Join(dir, "scheduler", "scheduler_config.json"), m.Scheduler.Config)
}

// LoadDir reads a structured model directory, either a cache entry or a
// caller-supplied pre-structured directory.
func LoadDir(dir string) (*model.Model, *Manifest, error) {
	var mf Manifest
	if err := readJSON(filepath.Join(dir, "model_index.json"), &mf); err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var r convert.Result
	r.Configs = &convert.Configs{
		Variant: convert.Variant{
			Family:     mf.Family,
			Prediction: mf.PredictionType,
			SampleSize: mf.SampleSize,
		},
	}

	if err := readJSON(filepath.Join(dir, "unet", "config.json"), &r.Configs.UNet); err != nil {
		return nil, nil, err
	}
	if err := readJSON(filepath.Join(dir, "vae", "config.json"), &r.Configs.VAE); err != nil {
		return nil, nil, err
	}
	if err := readJSON(filepath.Join(dir, "text_encoder", "config.json"), &r.Configs.TextEncoder); err != nil {
		return nil, nil, err
	}
	if err := readJSON(filepath.Join(dir, "scheduler", "scheduler_config.json"), &r.Configs.Scheduler); err != nil {
		return nil, nil, err
	}

	if err := validateConfigs(r.Configs); err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var err error
	if r.UNet, err = readState(filepath.Join(dir, "unet", "model.safetensors")); err != nil {
		return nil, nil, err
	}
	if r.VAE, err = readState(filepath.Join(dir, "vae", "model.safetensors")); err != nil {
		return nil, nil, err
	}
	if r.TextEncoder, err = readState(filepath.Join(dir, "text_encoder", "model.safetensors")); err != nil {
		return nil, nil, err
	}

	m, err := model.Assemble(&r)
	if err != nil {
		return nil, nil, err
	}

	return m, &mf, nil
}

// validateConfigs rejects structurally unusable configs before key
// enumeration runs. Entries written by Store always pass; this catches
// hand-edited or truncated config files.
func validateConfigs(c *convert.Configs) error {
	n := len(c.UNet.BlockOutChannels)
	switch {
	case n == 0:
		return &convert.InvalidArchitectureConfig{Field: "unet.block_out_channels"}
	case len(c.UNet.DownBlockTypes) != n:
		return &convert.InvalidArchitectureConfig{Field: "unet.down_block_types", Reason: "length does not match block_out_channels"}
	case len(c.UNet.UpBlockTypes) != n:
		return &convert.InvalidArchitectureConfig{Field: "unet.up_block_types", Reason: "length does not match block_out_channels"}
	case len(c.VAE.BlockOutChannels) == 0:
		return &convert.InvalidArchitectureConfig{Field: "vae.block_out_channels"}
	case c.Scheduler.NumTrainTimesteps <= 0:
		return &convert.InvalidArchitectureConfig{Field: "scheduler.num_train_timesteps"}
	}
	return nil
}

func readState(p string) (convert.State, error) {
	c, err := convert.ReadCheckpoint(p)
	if err != nil {
		return nil, err
	}
	return convert.State(c.Tensors), nil
}

func writeJSON(p string, v any) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	bts, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(p, append(bts, '\n'), 0o644)
}

func readJSON(p string, v any) error {
	bts, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(bts, v)
}
