// Package model defines the structured sub-models a converted checkpoint is
// loaded into, and the assembler that joins them into a runnable whole.
package model

import (
	"fmt"

	"github.com/diffusekit/diffusekit/convert"
)

// AttentionMode selects the attention memory-efficiency strategy the
// placement collaborator should configure.
type AttentionMode int

const (
	AttentionDefault AttentionMode = iota
	AttentionSliced
	AttentionFused
)

func (m AttentionMode) String() string {
	switch m {
	case AttentionSliced:
		return "sliced"
	case AttentionFused:
		return "fused"
	default:
		return "default"
	}
}

// Model is a fully assembled generation model. It is owned exclusively by the
// caller; nothing here is shared across requests.
type Model struct {
	UNet        *UNet
	VAE         *AutoencoderKL
	TextEncoder *TextEncoder
	Scheduler   *DDIMScheduler

	PredictionType convert.PredictionType
	AttentionMode  AttentionMode
}

// Placement moves an assembled model onto an accelerator at a chosen
// precision. It is an external collaborator: assembly itself never touches a
// device, which keeps conversion testable without one.
type Placement interface {
	Place(*Model) error
}

// submodel is the common shape of the three structured sub-models.
type submodel interface {
	Submodel() string
	ExpectedKeys() []string
}

// Assemble instantiates the sub-models from the resolved configs and loads
// each remapped state into its structure. Any key mismatch aborts the whole
// assembly; a partially loaded model is never returned.
func Assemble(r *convert.Result) (*Model, error) {
	unet := NewUNet(r.Configs.UNet)
	if err := unet.LoadState(r.UNet); err != nil {
		return nil, err
	}

	vae := NewAutoencoderKL(r.Configs.VAE)
	if err := vae.LoadState(r.VAE); err != nil {
		return nil, err
	}

	text := NewTextEncoder(r.Configs.TextEncoder)
	if err := text.LoadState(r.TextEncoder); err != nil {
		return nil, err
	}

	return &Model{
		UNet:           unet,
		VAE:            vae,
		TextEncoder:    text,
		Scheduler:      NewDDIMScheduler(r.Configs.Scheduler),
		PredictionType: r.Configs.Scheduler.PredictionType,
	}, nil
}

// checkState verifies a state against a sub-model structure: every required
// key present, no stray keys left over.
func checkState(m submodel, s convert.State) error {
	expected := m.ExpectedKeys()

	seen := make(map[string]bool, len(expected))
	for _, k := range expected {
		if _, ok := s[k]; !ok {
			return &convert.IncompleteStateMapping{Submodel: m.Submodel(), Key: k}
		}
		seen[k] = true
	}

	for k := range s {
		if !seen[k] {
			return fmt.Errorf("%s: unexpected key %q in state", m.Submodel(), k)
		}
	}

	return nil
}
