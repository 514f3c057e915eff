// Package fixture synthesizes small but structurally complete training
// checkpoints in the flat legacy layout, for exercising the conversion
// pipeline without multi-gigabyte real checkpoints. Tensor contents are
// deterministic from the key name, so converted outputs are comparable across
// runs.
package fixture

import (
	"fmt"
	"hash/fnv"

	"github.com/diffusekit/diffusekit/convert"
)

// Checkpoint builds a conformant raw checkpoint for the given family,
// matching the built-in structural config for that family. The returned
// configs are the ones the pipeline is expected to resolve.
func Checkpoint(family convert.Family) (*convert.Checkpoint, *convert.Configs, error) {
	cfgs, err := convert.ResolveConfig(convert.Variant{Family: family}, "")
	if err != nil {
		return nil, nil, err
	}

	c := &convert.Checkpoint{Tensors: make(map[string]*convert.Tensor)}

	addUNet(c, cfgs.UNet)
	addVAE(c.Tensors, "first_stage_model.", cfgs.VAE)
	addText(c, cfgs.TextEncoder)

	return c, cfgs, nil
}

// VAECheckpoint builds a standalone image codec checkpoint, including the
// training-only bookkeeping tensors real exports carry.
func VAECheckpoint(cfg convert.VAEConfig) *convert.Checkpoint {
	c := &convert.Checkpoint{Tensors: make(map[string]*convert.Tensor)}
	addVAE(c.Tensors, "", cfg)
	add(c.Tensors, "loss.logvar", 1)
	add(c.Tensors, "loss.discriminator.main.0.weight", 2, 2)
	add(c.Tensors, "model_ema.decay", 1)
	add(c.Tensors, "model_ema.num_updates", 1)
	return c
}

// add inserts a tensor whose contents are derived from its name.
func add(ts map[string]*convert.Tensor, name string, shape ...uint64) {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}

	h := fnv.New32a()
	h.Write([]byte(name))
	seed := float32(h.Sum32()%1000) / 1000

	data := make([]float32, n)
	for i := range data {
		data[i] = seed + float32(i)*0.001
	}

	ts[name] = &convert.Tensor{Name: name, Shape: shape, Data: data}
}

func addWB(ts map[string]*convert.Tensor, prefix string) {
	add(ts, prefix+".weight", 2)
	add(ts, prefix+".bias", 2)
}

func addResnet(ts map[string]*convert.Tensor, prefix string, timeEmb, shortcut bool) {
	addWB(ts, prefix+".in_layers.0")
	addWB(ts, prefix+".in_layers.2")
	if timeEmb {
		addWB(ts, prefix+".emb_layers.1")
	}
	addWB(ts, prefix+".out_layers.0")
	addWB(ts, prefix+".out_layers.3")
	if shortcut {
		addWB(ts, prefix+".skip_connection")
	}
}

func addTransformer(ts map[string]*convert.Tensor, prefix string, depth, ctxDim int) {
	addWB(ts, prefix+".norm")
	addWB(ts, prefix+".proj_in")
	for d := 0; d < depth; d++ {
		tb := fmt.Sprintf("%s.transformer_blocks.%d", prefix, d)
		for _, attn := range []string{"attn1", "attn2"} {
			dim := uint64(4)
			if attn == "attn2" {
				// cross attention keys/values read the conditioning signal;
				// their trailing dimension is what schema detection probes
				dim = uint64(ctxDim)
			}
			add(ts, tb+"."+attn+".to_q.weight", 4, 4)
			add(ts, tb+"."+attn+".to_k.weight", 4, dim)
			add(ts, tb+"."+attn+".to_v.weight", 4, dim)
			addWB(ts, tb+"."+attn+".to_out.0")
		}
		addWB(ts, tb+".ff.net.0.proj")
		addWB(ts, tb+".ff.net.2")
		addWB(ts, tb+".norm1")
		addWB(ts, tb+".norm2")
		addWB(ts, tb+".norm3")
	}
	addWB(ts, prefix+".proj_out")
}

func addUNet(c *convert.Checkpoint, cfg convert.UNetConfig) {
	ts := c.Tensors
	p := func(format string, args ...any) string {
		return "model.diffusion_model." + fmt.Sprintf(format, args...)
	}

	addWB(ts, p("time_embed.0"))
	addWB(ts, p("time_embed.2"))
	addWB(ts, p("input_blocks.0.0"))

	n := len(cfg.BlockOutChannels)
	i := 1
	prev := cfg.BlockOutChannels[0]
	for b, bt := range cfg.DownBlockTypes {
		out := cfg.BlockOutChannels[b]
		for j := 0; j < cfg.LayersPerBlock; j++ {
			in := out
			if j == 0 {
				in = prev
			}
			addResnet(ts, p("input_blocks.%d.0", i), true, in != out)
			if bt == "CrossAttnDownBlock2D" {
				addTransformer(ts, p("input_blocks.%d.1", i), cfg.TransformerDepth, cfg.CrossAttentionDim)
			}
			i++
		}
		if b < n-1 {
			addWB(ts, p("input_blocks.%d.0.op", i))
			i++
		}
		prev = out
	}

	addResnet(ts, p("middle_block.0"), true, false)
	addTransformer(ts, p("middle_block.1"), cfg.TransformerDepth, cfg.CrossAttentionDim)
	addResnet(ts, p("middle_block.2"), true, false)

	i = 0
	for b, bt := range cfg.UpBlockTypes {
		for j := 0; j <= cfg.LayersPerBlock; j++ {
			addResnet(ts, p("output_blocks.%d.0", i), true, true)
			if bt == "CrossAttnUpBlock2D" {
				addTransformer(ts, p("output_blocks.%d.1", i), cfg.TransformerDepth, cfg.CrossAttentionDim)
			}
			if j == cfg.LayersPerBlock && b < n-1 {
				// the upsampler rides along as the block's trailing module
				m := 1
				if bt == "CrossAttnUpBlock2D" {
					m = 2
				}
				addWB(ts, p("output_blocks.%d.%d.conv", i, m))
			}
			i++
		}
	}

	addWB(ts, p("out.0"))
	addWB(ts, p("out.2"))
}

func addVAEResnet(ts map[string]*convert.Tensor, prefix string, shortcut bool) {
	addWB(ts, prefix+".norm1")
	addWB(ts, prefix+".conv1")
	addWB(ts, prefix+".norm2")
	addWB(ts, prefix+".conv2")
	if shortcut {
		addWB(ts, prefix+".nin_shortcut")
	}
}

func addVAEMid(ts map[string]*convert.Tensor, prefix string) {
	addVAEResnet(ts, prefix+"mid.block_1", false)
	addWB(ts, prefix+"mid.attn_1.norm")
	// attention projections are stored as 1x1 convolutions
	for _, name := range []string{"q", "k", "v", "proj_out"} {
		add(ts, prefix+"mid.attn_1."+name+".weight", 4, 4, 1, 1)
		add(ts, prefix+"mid.attn_1."+name+".bias", 4)
	}
	addVAEResnet(ts, prefix+"mid.block_2", false)
}

func addVAE(ts map[string]*convert.Tensor, prefix string, cfg convert.VAEConfig) {
	n := len(cfg.BlockOutChannels)

	addWB(ts, prefix+"encoder.conv_in")
	prev := cfg.BlockOutChannels[0]
	for i := 0; i < n; i++ {
		out := cfg.BlockOutChannels[i]
		for j := 0; j < cfg.LayersPerBlock; j++ {
			in := out
			if j == 0 {
				in = prev
			}
			addVAEResnet(ts, fmt.Sprintf("%sencoder.down.%d.block.%d", prefix, i, j), in != out)
		}
		if i < n-1 {
			addWB(ts, fmt.Sprintf("%sencoder.down.%d.downsample.conv", prefix, i))
		}
		prev = out
	}
	addVAEMid(ts, prefix+"encoder.")
	addWB(ts, prefix+"encoder.norm_out")
	addWB(ts, prefix+"encoder.conv_out")

	addWB(ts, prefix+"decoder.conv_in")
	addVAEMid(ts, prefix+"decoder.")
	prev = cfg.BlockOutChannels[n-1]
	for j := 0; j < n; j++ {
		// flat decoder levels are numbered by encoder level; level j here is
		// the structured up block index
		out := cfg.BlockOutChannels[n-1-j]
		ldm := n - 1 - j
		for jj := 0; jj <= cfg.LayersPerBlock; jj++ {
			in := out
			if jj == 0 {
				in = prev
			}
			addVAEResnet(ts, fmt.Sprintf("%sdecoder.up.%d.block.%d", prefix, ldm, jj), in != out)
		}
		if j < n-1 {
			addWB(ts, fmt.Sprintf("%sdecoder.up.%d.upsample.conv", prefix, ldm))
		}
		prev = out
	}
	addWB(ts, prefix+"decoder.norm_out")
	addWB(ts, prefix+"decoder.conv_out")

	addWB(ts, prefix+"quant_conv")
	addWB(ts, prefix+"post_quant_conv")
}

func addText(c *convert.Checkpoint, cfg convert.TextEncoderConfig) {
	ts := c.Tensors
	switch cfg.Family {
	case convert.FamilyOpenCLIP:
		hidden := uint64(8)
		add(ts, "cond_stage_model.model.token_embedding.weight", 16, hidden)
		add(ts, "cond_stage_model.model.positional_embedding", 4, hidden)
		addWB(ts, "cond_stage_model.model.ln_final")
		add(ts, "cond_stage_model.model.text_projection", hidden, hidden)
		add(ts, "cond_stage_model.model.logit_scale", 1)

		// checkpoints carry one block past the penultimate-layer cutoff
		for i := 0; i <= cfg.NumHiddenLayers; i++ {
			p := fmt.Sprintf("cond_stage_model.model.transformer.resblocks.%d.", i)
			addWB(ts, p+"ln_1")
			add(ts, p+"attn.in_proj_weight", 3*hidden, hidden)
			add(ts, p+"attn.in_proj_bias", 3*hidden)
			addWB(ts, p+"attn.out_proj")
			addWB(ts, p+"ln_2")
			addWB(ts, p+"mlp.c_fc")
			addWB(ts, p+"mlp.c_proj")
		}
	default:
		add(ts, "cond_stage_model.transformer.text_model.embeddings.token_embedding.weight", 16, 8)
		add(ts, "cond_stage_model.transformer.text_model.embeddings.position_embedding.weight", 4, 8)
		add(ts, "cond_stage_model.transformer.text_model.embeddings.position_ids", 1, 4)
		for i := 0; i < cfg.NumHiddenLayers; i++ {
			p := fmt.Sprintf("cond_stage_model.transformer.text_model.encoder.layers.%d.", i)
			addWB(ts, p+"self_attn.q_proj")
			addWB(ts, p+"self_attn.k_proj")
			addWB(ts, p+"self_attn.v_proj")
			addWB(ts, p+"self_attn.out_proj")
			addWB(ts, p+"layer_norm1")
			addWB(ts, p+"layer_norm2")
			addWB(ts, p+"mlp.fc1")
			addWB(ts, p+"mlp.fc2")
		}
		addWB(ts, "cond_stage_model.transformer.text_model.final_layer_norm")
	}
}
