package convert

import (
	"fmt"
	"strings"
)

const (
	clipPrefix     = "cond_stage_model.transformer."
	openCLIPPrefix = "cond_stage_model.model."
)

// remapText renames the conditioning encoder keys for the given family. The
// two families have structurally different flat layouts, so each owns its own
// rule table.
func remapText(c *Checkpoint, cfg TextEncoderConfig) (State, error) {
	switch cfg.Family {
	case FamilyCLIP:
		return remapCLIP(c), nil
	case FamilyOpenCLIP:
		return remapOpenCLIP(c, cfg)
	default:
		return nil, &UnsupportedTextEncoderFamily{Target: cfg.Family.String()}
	}
}

// remapCLIP is a one-to-one mapping: the source was exported from the same
// module schema the target uses, so only the partition prefix and the
// position-id buffer need handling.
func remapCLIP(c *Checkpoint) State {
	s := make(State)
	for k, t := range c.subState(clipPrefix) {
		if k == "text_model.embeddings.position_ids" {
			continue
		}
		s[k] = t.WithName(k)
	}
	return s
}

// openCLIPReplacer renames the transformer block internals.
var openCLIPReplacer = strings.NewReplacer(
	"ln_1.", "layer_norm1.",
	"ln_2.", "layer_norm2.",
	"mlp.c_fc.", "mlp.fc1.",
	"mlp.c_proj.", "mlp.fc2.",
	"attn.out_proj.", "self_attn.out_proj.",
	"attn.in_proj_weight", "self_attn.in_proj.weight",
	"attn.in_proj_bias", "self_attn.in_proj.bias",
)

// remapOpenCLIP renames the open vocabulary encoder layout. The target schema
// uses a single fused attention projection: a fused source passes through,
// while historically split query/key/value projections are merged by
// concatenation along the output dimension. Blocks past the configured layer
// count (the penultimate-layer convention) are dropped, as are the contrastive
// head tensors.
func remapOpenCLIP(c *Checkpoint, cfg TextEncoderConfig) (State, error) {
	s := make(State)

	// split projections awaiting fusion, keyed by target name
	type splitProj struct{ q, k, v *Tensor }
	pending := make(map[string]*splitProj)

	for k, t := range c.subState(openCLIPPrefix) {
		var target string
		switch {
		case k == "token_embedding.weight":
			target = "text_model.embeddings.token_embedding.weight"
		case k == "positional_embedding":
			target = "text_model.embeddings.position_embedding.weight"
		case strings.HasPrefix(k, "ln_final."):
			target = "text_model.final_layer_norm." + k[len("ln_final."):]
		case strings.HasPrefix(k, "transformer.resblocks."):
			layer, rest, err := cutIndex(k[len("transformer.resblocks."):])
			if err != nil {
				return nil, fmt.Errorf("text encoder remap: %q: %w", k, err)
			}
			if layer >= cfg.NumHiddenLayers {
				continue
			}

			prefix := fmt.Sprintf("text_model.encoder.layers.%d.", layer)
			if proj, suffix, ok := splitProjection(rest); ok {
				name := prefix + "self_attn.in_proj." + suffix
				p := pending[name]
				if p == nil {
					p = &splitProj{}
					pending[name] = p
				}
				switch proj {
				case "q":
					p.q = t
				case "k":
					p.k = t
				case "v":
					p.v = t
				}
				continue
			}

			target = prefix + openCLIPReplacer.Replace(rest)
		default:
			// text_projection, logit_scale and other contrastive-head tensors
			continue
		}

		if _, ok := s[target]; ok {
			return nil, fmt.Errorf("text encoder remap: duplicate target key %q", target)
		}
		s[target] = t.WithName(target)
	}

	for name, p := range pending {
		if p.q == nil || p.k == nil || p.v == nil {
			// an incomplete triple cannot fill the fused target; assembly
			// reports the missing key
			continue
		}
		if _, ok := s[name]; ok {
			return nil, fmt.Errorf("text encoder remap: duplicate target key %q", name)
		}

		fused, err := fuse(name, p.q, p.k, p.v)
		if err != nil {
			return nil, err
		}
		s[name] = fused
	}

	return s, nil
}

// splitProjection matches "attn.{q,k,v}_proj.{weight,bias}".
func splitProjection(rest string) (proj, suffix string, ok bool) {
	for _, p := range []string{"q", "k", "v"} {
		if s, found := strings.CutPrefix(rest, "attn."+p+"_proj."); found {
			return p, s, true
		}
	}
	return "", "", false
}
