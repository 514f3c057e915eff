package convert

import (
	"fmt"
	"strconv"
	"strings"
)

const imageCodecPrefix = "first_stage_model."

// vaeAttention maps the mid-block attention tensors, the only part of the
// codec that is not a plain convolution stack. The projection weights are
// stored as 1x1 convolutions and need a spatial reshape to the linear form;
// everything else in the codec passes through untouched.
var vaeAttention = map[string]string{
	"norm":     "group_norm",
	"q":        "query",
	"k":        "key",
	"v":        "value",
	"proj_out": "proj_attn",
}

// remapVAE renames image codec keys into the structured layout. s holds the
// codec keys with the partition prefix already stripped, either cut from the
// primary checkpoint or read from a standalone codec checkpoint. Decoder
// levels are numbered low-to-high resolution in the flat layout and are
// reversed on the way out.
func remapVAE(s State, cfg VAEConfig) (State, error) {
	out := make(State)
	nup := len(cfg.UpBlockTypes)

	for k, t := range s {
		target, err := remapVAEKey(k, nup)
		if err != nil {
			return nil, err
		}
		if target == "" {
			continue
		}

		if _, ok := out[target]; ok {
			return nil, fmt.Errorf("image codec remap: duplicate target key %q", target)
		}

		mapped := t.WithName(target)
		if vaeNeedsReshape(target) && len(t.Shape) == 4 {
			mapped, err = reshape2D(t, target)
			if err != nil {
				return nil, err
			}
		}
		out[target] = mapped
	}

	return out, nil
}

func remapVAEKey(k string, nup int) (string, error) {
	switch {
	case strings.HasPrefix(k, "quant_conv."), strings.HasPrefix(k, "post_quant_conv."),
		strings.HasPrefix(k, "encoder.conv_in."), strings.HasPrefix(k, "encoder.conv_out."),
		strings.HasPrefix(k, "decoder.conv_in."), strings.HasPrefix(k, "decoder.conv_out."):
		return k, nil
	case strings.HasPrefix(k, "encoder.norm_out."):
		return "encoder.conv_norm_out." + k[len("encoder.norm_out."):], nil
	case strings.HasPrefix(k, "decoder.norm_out."):
		return "decoder.conv_norm_out." + k[len("decoder.norm_out."):], nil
	case strings.HasPrefix(k, "encoder.mid."):
		return remapVAEMid("encoder", k[len("encoder.mid."):])
	case strings.HasPrefix(k, "decoder.mid."):
		return remapVAEMid("decoder", k[len("decoder.mid."):])
	case strings.HasPrefix(k, "encoder.down."):
		level, rest, err := cutIndex(k[len("encoder.down."):])
		if err != nil {
			return "", fmt.Errorf("image codec remap: %q: %w", k, err)
		}
		switch {
		case strings.HasPrefix(rest, "block."):
			layer, sub, err := cutIndex(rest[len("block."):])
			if err != nil {
				return "", fmt.Errorf("image codec remap: %q: %w", k, err)
			}
			sub = strings.Replace(sub, "nin_shortcut", "conv_shortcut", 1)
			return fmt.Sprintf("encoder.down_blocks.%d.resnets.%d.%s", level, layer, sub), nil
		case strings.HasPrefix(rest, "downsample.conv."):
			return fmt.Sprintf("encoder.down_blocks.%d.downsamplers.0.conv.%s", level, rest[len("downsample.conv."):]), nil
		}
		return "", nil
	case strings.HasPrefix(k, "decoder.up."):
		level, rest, err := cutIndex(k[len("decoder.up."):])
		if err != nil {
			return "", fmt.Errorf("image codec remap: %q: %w", k, err)
		}
		level = nup - 1 - level
		switch {
		case strings.HasPrefix(rest, "block."):
			layer, sub, err := cutIndex(rest[len("block."):])
			if err != nil {
				return "", fmt.Errorf("image codec remap: %q: %w", k, err)
			}
			sub = strings.Replace(sub, "nin_shortcut", "conv_shortcut", 1)
			return fmt.Sprintf("decoder.up_blocks.%d.resnets.%d.%s", level, layer, sub), nil
		case strings.HasPrefix(rest, "upsample.conv."):
			return fmt.Sprintf("decoder.up_blocks.%d.upsamplers.0.conv.%s", level, rest[len("upsample.conv."):]), nil
		}
		return "", nil
	}
	return "", nil
}

func remapVAEMid(half, rest string) (string, error) {
	switch {
	case strings.HasPrefix(rest, "block_1."):
		return half + ".mid_block.resnets.0." + rest[len("block_1."):], nil
	case strings.HasPrefix(rest, "block_2."):
		return half + ".mid_block.resnets.1." + rest[len("block_2."):], nil
	case strings.HasPrefix(rest, "attn_1."):
		name, suffix, ok := strings.Cut(rest[len("attn_1."):], ".")
		if !ok {
			return "", nil
		}
		mapped, ok := vaeAttention[name]
		if !ok {
			return "", nil
		}
		return fmt.Sprintf("%s.mid_block.attentions.0.%s.%s", half, mapped, suffix), nil
	}
	return "", nil
}

// vaeNeedsReshape reports whether the target tensor is one of the attention
// projections stored in convolutional form.
func vaeNeedsReshape(target string) bool {
	if !strings.Contains(target, ".attentions.") || !strings.HasSuffix(target, ".weight") {
		return false
	}
	return strings.Contains(target, "query") || strings.Contains(target, "key") ||
		strings.Contains(target, "value") || strings.Contains(target, "proj_attn")
}

// cutIndex splits a leading integer path element from the rest of the key.
func cutIndex(k string) (int, string, error) {
	head, rest, ok := strings.Cut(k, ".")
	if !ok {
		return 0, "", fmt.Errorf("malformed key element %q", k)
	}

	i, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", fmt.Errorf("malformed key element %q", k)
	}

	return i, rest, nil
}

// codecState extracts the image codec partition from a checkpoint, stripping
// the partition prefix when present and dropping training-only bookkeeping
// (loss weights, EMA counters) that standalone codec checkpoints carry.
func codecState(c *Checkpoint) State {
	s := make(State)
	for k, t := range c.Tensors {
		k = strings.TrimPrefix(k, imageCodecPrefix)
		if strings.HasPrefix(k, "loss.") || strings.HasPrefix(k, "model_ema.") {
			continue
		}
		s[k] = t
	}
	return s
}
