package convert

import (
	"fmt"
	"strconv"
	"strings"
)

// resnetReplacer renames the residual block internals from the numbered
// sequential layout to the named layout.
var resnetReplacer = strings.NewReplacer(
	"in_layers.0", "norm1",
	"in_layers.2", "conv1",
	"emb_layers.1", "time_emb_proj",
	"out_layers.0", "norm2",
	"out_layers.3", "conv2",
	"skip_connection", "conv_shortcut",
)

// remapUNet renames the flat denoiser keys into the structured module layout.
// Numbered input/middle/output blocks map to named down/mid/up block groups:
// block index i splits into (group, layer) with an arithmetic offset, since
// the flat numbering counts the stem convolution and the downsamplers inline.
// Keys with no matching rule are dropped; no source key is consumed twice.
func remapUNet(c *Checkpoint, cfg UNetConfig) (State, error) {
	s := make(State)
	group := cfg.LayersPerBlock + 1

	for k, t := range c.Tensors {
		k, ok := strings.CutPrefix(k, denoiserPrefix)
		if !ok {
			continue
		}

		var target string
		switch {
		case strings.HasPrefix(k, "time_embed.0."):
			target = "time_embedding.linear_1." + k[len("time_embed.0."):]
		case strings.HasPrefix(k, "time_embed.2."):
			target = "time_embedding.linear_2." + k[len("time_embed.2."):]
		case strings.HasPrefix(k, "input_blocks.0.0."):
			target = "conv_in." + k[len("input_blocks.0.0."):]
		case strings.HasPrefix(k, "out.0."):
			target = "conv_norm_out." + k[len("out.0."):]
		case strings.HasPrefix(k, "out.2."):
			target = "conv_out." + k[len("out.2."):]
		case strings.HasPrefix(k, "input_blocks."):
			i, m, rest, err := splitBlockKey(k, "input_blocks.")
			if err != nil {
				return nil, err
			}

			block, layer := (i-1)/group, (i-1)%group
			switch {
			case m == 0 && strings.HasPrefix(rest, "op."):
				target = fmt.Sprintf("down_blocks.%d.downsamplers.0.conv.%s", block, rest[len("op."):])
			case m == 0:
				target = fmt.Sprintf("down_blocks.%d.resnets.%d.%s", block, layer, resnetReplacer.Replace(rest))
			case m == 1:
				target = fmt.Sprintf("down_blocks.%d.attentions.%d.%s", block, layer, rest)
			}
		case strings.HasPrefix(k, "middle_block.0."):
			target = "mid_block.resnets.0." + resnetReplacer.Replace(k[len("middle_block.0."):])
		case strings.HasPrefix(k, "middle_block.1."):
			target = "mid_block.attentions.0." + k[len("middle_block.1."):]
		case strings.HasPrefix(k, "middle_block.2."):
			target = "mid_block.resnets.1." + resnetReplacer.Replace(k[len("middle_block.2."):])
		case strings.HasPrefix(k, "output_blocks."):
			i, m, rest, err := splitBlockKey(k, "output_blocks.")
			if err != nil {
				return nil, err
			}

			block, layer := i/group, i%group
			switch {
			case m >= 1 && strings.HasPrefix(rest, "conv."):
				// the upsampler rides along as the block's trailing module
				target = fmt.Sprintf("up_blocks.%d.upsamplers.0.%s", block, rest)
			case m == 0:
				target = fmt.Sprintf("up_blocks.%d.resnets.%d.%s", block, layer, resnetReplacer.Replace(rest))
			case m == 1:
				target = fmt.Sprintf("up_blocks.%d.attentions.%d.%s", block, layer, rest)
			}
		}

		if target == "" {
			continue
		}

		if _, ok := s[target]; ok {
			return nil, fmt.Errorf("denoiser remap: duplicate target key %q", target)
		}
		s[target] = t.WithName(target)
	}

	return s, nil
}

// splitBlockKey parses "<prefix><block>.<module>.<rest>".
func splitBlockKey(k, prefix string) (block, module int, rest string, err error) {
	parts := strings.SplitN(k[len(prefix):], ".", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("malformed block key %q", k)
	}

	block, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed block key %q", k)
	}

	module, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, "", fmt.Errorf("malformed block key %q", k)
	}

	return block, module, parts[2], nil
}
