package model

import (
	"fmt"

	"github.com/diffusekit/diffusekit/convert"
)

// TextEncoder converts a tokenized prompt into the conditioning signal the
// denoiser consumes. The two families differ structurally: the open
// vocabulary family uses a single fused attention projection per layer where
// the CLIP family keeps four separate ones.
type TextEncoder struct {
	Config convert.TextEncoderConfig
	State  convert.State
}

func NewTextEncoder(cfg convert.TextEncoderConfig) *TextEncoder {
	return &TextEncoder{Config: cfg}
}

func (t *TextEncoder) Submodel() string { return "text_encoder" }

func (t *TextEncoder) LoadState(s convert.State) error {
	if err := checkState(t, s); err != nil {
		return err
	}
	t.State = s
	return nil
}

func (t *TextEncoder) ExpectedKeys() []string {
	cfg := t.Config
	var b keyBuilder

	b.add(
		"text_model.embeddings.token_embedding.weight",
		"text_model.embeddings.position_embedding.weight",
	)

	for i := 0; i < cfg.NumHiddenLayers; i++ {
		p := fmt.Sprintf("text_model.encoder.layers.%d.", i)
		switch cfg.Family {
		case convert.FamilyOpenCLIP:
			b.wb(p + "self_attn.in_proj")
		default:
			b.wb(p + "self_attn.q_proj")
			b.wb(p + "self_attn.k_proj")
			b.wb(p + "self_attn.v_proj")
		}
		b.wb(p + "self_attn.out_proj")
		b.wb(p + "layer_norm1")
		b.wb(p + "layer_norm2")
		b.wb(p + "mlp.fc1")
		b.wb(p + "mlp.fc2")
	}

	b.wb("text_model.final_layer_norm")

	return b.keys
}
