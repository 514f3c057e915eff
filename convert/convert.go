// Package convert normalizes raw latent-diffusion training checkpoints into
// the structured sub-model states a generation pipeline expects: it detects
// the checkpoint's schema variant, resolves the structural configuration, and
// remaps the flat tensor dictionary into denoiser, image codec and text
// encoder states.
package convert

import (
	"log/slog"
)

// Options control a single conversion.
type Options struct {
	// ConfigPath declares the structural config explicitly, skipping schema
	// detection entirely.
	ConfigPath string

	// VAEPath supplies a separately sourced image codec checkpoint that
	// replaces the codec portion of the primary checkpoint.
	VAEPath string
}

// Result is the output of a conversion: the resolved configuration set and
// the three remapped sub-model states, ready for assembly.
type Result struct {
	Configs     *Configs
	UNet        State
	VAE         State
	TextEncoder State
}

// ConvertFile runs the full detect, resolve and remap pipeline on a
// checkpoint file.
func ConvertFile(path string, opts Options) (*Result, error) {
	c, err := ReadCheckpoint(path)
	if err != nil {
		return nil, err
	}

	var vae *Checkpoint
	if opts.VAEPath != "" {
		if vae, err = ReadCheckpoint(opts.VAEPath); err != nil {
			return nil, err
		}
	}

	return Convert(c, vae, opts.ConfigPath)
}

// Convert remaps an in-memory checkpoint. vae optionally substitutes the
// image codec. Remapping is a pure function of its inputs: the same
// checkpoint, config and variant always produce identical states.
func Convert(c *Checkpoint, vae *Checkpoint, configPath string) (*Result, error) {
	var variant Variant
	if configPath == "" {
		var err error
		if variant, err = Detect(c); err != nil {
			return nil, err
		}
	}

	cfgs, err := ResolveConfig(variant, configPath)
	if err != nil {
		return nil, err
	}

	unet, err := remapUNet(c, cfgs.UNet)
	if err != nil {
		return nil, err
	}

	codec := c.subState(imageCodecPrefix)
	if vae != nil {
		codec = codecState(vae)
	}
	vaeState, err := remapVAE(codec, cfgs.VAE)
	if err != nil {
		return nil, err
	}

	text, err := remapText(c, cfgs.TextEncoder)
	if err != nil {
		return nil, err
	}

	slog.Debug("converted checkpoint",
		"family", cfgs.Variant.Family,
		"prediction", cfgs.Variant.Prediction,
		"sample_size", cfgs.Variant.SampleSize,
		"denoiser", len(unet),
		"image_codec", len(vaeState),
		"text_encoder", len(text))

	return &Result{
		Configs:     cfgs,
		UNet:        unet,
		VAE:         vaeState,
		TextEncoder: text,
	}, nil
}
