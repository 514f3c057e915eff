package model

import (
	"fmt"

	"github.com/diffusekit/diffusekit/convert"
)

// UNet is the denoising network: the structural configuration plus the loaded
// parameter state.
type UNet struct {
	Config convert.UNetConfig
	State  convert.State
}

func NewUNet(cfg convert.UNetConfig) *UNet {
	return &UNet{Config: cfg}
}

func (u *UNet) Submodel() string { return "denoiser" }

// LoadState installs s, checking it against the structure derived from the
// config. Loading is all or nothing: any mismatch leaves the receiver
// untouched.
func (u *UNet) LoadState(s convert.State) error {
	if err := checkState(u, s); err != nil {
		return err
	}
	u.State = s
	return nil
}

// ExpectedKeys enumerates every parameter name the configured structure
// requires.
func (u *UNet) ExpectedKeys() []string {
	cfg := u.Config
	var b keyBuilder

	b.wb("conv_in")
	b.wb("time_embedding.linear_1")
	b.wb("time_embedding.linear_2")

	n := len(cfg.BlockOutChannels)
	prev := cfg.BlockOutChannels[0]
	for i, bt := range cfg.DownBlockTypes {
		out := cfg.BlockOutChannels[i]
		for j := 0; j < cfg.LayersPerBlock; j++ {
			in := out
			if j == 0 {
				in = prev
			}
			b.resnet(fmt.Sprintf("down_blocks.%d.resnets.%d", i, j), true, in != out)
			if bt == "CrossAttnDownBlock2D" {
				b.transformer(fmt.Sprintf("down_blocks.%d.attentions.%d", i, j), cfg.TransformerDepth)
			}
		}
		if i < n-1 {
			b.wb(fmt.Sprintf("down_blocks.%d.downsamplers.0.conv", i))
		}
		prev = out
	}

	b.resnet("mid_block.resnets.0", true, false)
	b.transformer("mid_block.attentions.0", cfg.TransformerDepth)
	b.resnet("mid_block.resnets.1", true, false)

	for i, bt := range cfg.UpBlockTypes {
		// up resnets take the skip concatenation as input, so the shortcut
		// projection is always present
		for j := 0; j <= cfg.LayersPerBlock; j++ {
			b.resnet(fmt.Sprintf("up_blocks.%d.resnets.%d", i, j), true, true)
			if bt == "CrossAttnUpBlock2D" {
				b.transformer(fmt.Sprintf("up_blocks.%d.attentions.%d", i, j), cfg.TransformerDepth)
			}
		}
		if i < n-1 {
			b.wb(fmt.Sprintf("up_blocks.%d.upsamplers.0.conv", i))
		}
	}

	b.wb("conv_norm_out")
	b.wb("conv_out")

	return b.keys
}

// keyBuilder accumulates parameter names for the repeated structural motifs.
type keyBuilder struct {
	keys []string
}

func (b *keyBuilder) add(keys ...string) {
	b.keys = append(b.keys, keys...)
}

// wb adds a weight/bias pair.
func (b *keyBuilder) wb(prefix string) {
	b.add(prefix+".weight", prefix+".bias")
}

func (b *keyBuilder) resnet(prefix string, timeEmb, shortcut bool) {
	b.wb(prefix + ".norm1")
	b.wb(prefix + ".conv1")
	if timeEmb {
		b.wb(prefix + ".time_emb_proj")
	}
	b.wb(prefix + ".norm2")
	b.wb(prefix + ".conv2")
	if shortcut {
		b.wb(prefix + ".conv_shortcut")
	}
}

func (b *keyBuilder) transformer(prefix string, depth int) {
	b.wb(prefix + ".norm")
	b.wb(prefix + ".proj_in")
	for d := 0; d < depth; d++ {
		tb := fmt.Sprintf("%s.transformer_blocks.%d", prefix, d)
		for _, attn := range []string{"attn1", "attn2"} {
			b.add(tb+"."+attn+".to_q.weight", tb+"."+attn+".to_k.weight", tb+"."+attn+".to_v.weight")
			b.wb(tb + "." + attn + ".to_out.0")
		}
		b.wb(tb + ".ff.net.0.proj")
		b.wb(tb + ".ff.net.2")
		b.wb(tb + ".norm1")
		b.wb(tb + ".norm2")
		b.wb(tb + ".norm3")
	}
	b.wb(prefix + ".proj_out")
}
