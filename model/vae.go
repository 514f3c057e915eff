package model

import (
	"fmt"

	"github.com/diffusekit/diffusekit/convert"
)

// AutoencoderKL is the image codec: it converts between pixel space and the
// compressed latent representation.
type AutoencoderKL struct {
	Config convert.VAEConfig
	State  convert.State
}

func NewAutoencoderKL(cfg convert.VAEConfig) *AutoencoderKL {
	return &AutoencoderKL{Config: cfg}
}

func (v *AutoencoderKL) Submodel() string { return "image_codec" }

func (v *AutoencoderKL) LoadState(s convert.State) error {
	if err := checkState(v, s); err != nil {
		return err
	}
	v.State = s
	return nil
}

func (v *AutoencoderKL) ExpectedKeys() []string {
	cfg := v.Config
	var b keyBuilder
	n := len(cfg.BlockOutChannels)

	b.wb("encoder.conv_in")
	prev := cfg.BlockOutChannels[0]
	for i := 0; i < n; i++ {
		out := cfg.BlockOutChannels[i]
		for j := 0; j < cfg.LayersPerBlock; j++ {
			in := out
			if j == 0 {
				in = prev
			}
			b.resnet(fmt.Sprintf("encoder.down_blocks.%d.resnets.%d", i, j), false, in != out)
		}
		if i < n-1 {
			b.wb(fmt.Sprintf("encoder.down_blocks.%d.downsamplers.0.conv", i))
		}
		prev = out
	}
	b.midBlock("encoder")
	b.wb("encoder.conv_norm_out")
	b.wb("encoder.conv_out")

	b.wb("decoder.conv_in")
	prev = cfg.BlockOutChannels[n-1]
	for i := 0; i < n; i++ {
		out := cfg.BlockOutChannels[n-1-i]
		// the decoder carries one extra residual layer per level
		for j := 0; j <= cfg.LayersPerBlock; j++ {
			in := out
			if j == 0 {
				in = prev
			}
			b.resnet(fmt.Sprintf("decoder.up_blocks.%d.resnets.%d", i, j), false, in != out)
		}
		if i < n-1 {
			b.wb(fmt.Sprintf("decoder.up_blocks.%d.upsamplers.0.conv", i))
		}
		prev = out
	}
	b.midBlock("decoder")
	b.wb("decoder.conv_norm_out")
	b.wb("decoder.conv_out")

	b.wb("quant_conv")
	b.wb("post_quant_conv")

	return b.keys
}

func (b *keyBuilder) midBlock(half string) {
	b.resnet(half+".mid_block.resnets.0", false, false)
	b.wb(half + ".mid_block.attentions.0.group_norm")
	b.wb(half + ".mid_block.attentions.0.query")
	b.wb(half + ".mid_block.attentions.0.key")
	b.wb(half + ".mid_block.attentions.0.value")
	b.wb(half + ".mid_block.attentions.0.proj_attn")
	b.resnet(half+".mid_block.resnets.1", false, false)
}
