package convert_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/diffusekit/diffusekit/convert"
)

func TestResolveBuiltinConfigs(t *testing.T) {
	cases := []struct {
		name    string
		variant convert.Variant
		unet    convert.UNetConfig
	}{
		{
			name:    "narrow",
			variant: convert.Variant{Family: convert.FamilyCLIP},
			unet: convert.UNetConfig{
				SampleSize:        64,
				InChannels:        4,
				OutChannels:       4,
				DownBlockTypes:    []string{"CrossAttnDownBlock2D", "CrossAttnDownBlock2D", "CrossAttnDownBlock2D", "DownBlock2D"},
				UpBlockTypes:      []string{"UpBlock2D", "CrossAttnUpBlock2D", "CrossAttnUpBlock2D", "CrossAttnUpBlock2D"},
				BlockOutChannels:  []int{320, 640, 1280, 1280},
				LayersPerBlock:    2,
				TransformerDepth:  1,
				CrossAttentionDim: 768,
				AttentionHeadDim:  8,
			},
		},
		{
			name:    "wide",
			variant: convert.Variant{Family: convert.FamilyOpenCLIP},
			unet: convert.UNetConfig{
				SampleSize:          96,
				InChannels:          4,
				OutChannels:         4,
				DownBlockTypes:      []string{"CrossAttnDownBlock2D", "CrossAttnDownBlock2D", "CrossAttnDownBlock2D", "DownBlock2D"},
				UpBlockTypes:        []string{"UpBlock2D", "CrossAttnUpBlock2D", "CrossAttnUpBlock2D", "CrossAttnUpBlock2D"},
				BlockOutChannels:    []int{320, 640, 1280, 1280},
				LayersPerBlock:      2,
				TransformerDepth:    1,
				CrossAttentionDim:   1024,
				AttentionHeadDim:    64,
				UseLinearProjection: true,
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfgs, err := convert.ResolveConfig(tt.variant, "")
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.unet, cfgs.UNet); diff != "" {
				t.Errorf("unet config mismatch (-want +got):\n%s", diff)
			}

			wantVAE := convert.VAEConfig{
				SampleSize:       cfgs.Variant.SampleSize,
				InChannels:       3,
				OutChannels:      3,
				DownBlockTypes:   []string{"DownEncoderBlock2D", "DownEncoderBlock2D", "DownEncoderBlock2D", "DownEncoderBlock2D"},
				UpBlockTypes:     []string{"UpDecoderBlock2D", "UpDecoderBlock2D", "UpDecoderBlock2D", "UpDecoderBlock2D"},
				BlockOutChannels: []int{128, 256, 512, 512},
				LatentChannels:   4,
				LayersPerBlock:   2,
			}
			if diff := cmp.Diff(wantVAE, cfgs.VAE); diff != "" {
				t.Errorf("vae config mismatch (-want +got):\n%s", diff)
			}

			sched := cfgs.Scheduler
			if sched.NumTrainTimesteps != 1000 {
				t.Errorf("timesteps = %d, want 1000", sched.NumTrainTimesteps)
			}
			if sched.BetaStart != 0.00085 || sched.BetaEnd != 0.012 {
				t.Errorf("beta bounds = %v..%v, want 0.00085..0.012", sched.BetaStart, sched.BetaEnd)
			}
			if sched.BetaSchedule != "scaled_linear" {
				t.Errorf("beta schedule = %q, want scaled_linear", sched.BetaSchedule)
			}
			if sched.StepsOffset != 1 || sched.ClipSample || sched.SetAlphaToOne {
				t.Errorf("sampling conventions = %d/%t/%t, want 1/false/false",
					sched.StepsOffset, sched.ClipSample, sched.SetAlphaToOne)
			}
		})
	}
}

func TestResolveTextEncoderConfig(t *testing.T) {
	narrow, err := convert.ResolveConfig(convert.Variant{Family: convert.FamilyCLIP}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := narrow.TextEncoder; got.HiddenSize != 768 || got.NumHiddenLayers != 12 {
		t.Errorf("narrow text encoder = %d/%d, want 768/12", got.HiddenSize, got.NumHiddenLayers)
	}

	wide, err := convert.ResolveConfig(convert.Variant{Family: convert.FamilyOpenCLIP}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := wide.TextEncoder; got.HiddenSize != 1024 || got.NumHiddenLayers != 23 {
		t.Errorf("wide text encoder = %d/%d, want 1024/23", got.HiddenSize, got.NumHiddenLayers)
	}
}

func TestResolveMissingField(t *testing.T) {
	doc := `
model:
  params:
    linear_start: 0.00085
    linear_end: 0.012
    unet_config:
      params:
        in_channels: 4
        out_channels: 4
        model_channels: 320
        num_res_blocks: 2
        channel_mult: [1, 2, 4, 4]
        context_dim: 768
    first_stage_config:
      params:
        ddconfig:
          z_channels: 4
          resolution: 256
          in_channels: 3
          out_ch: 3
          ch: 128
          ch_mult: [1, 2, 4, 4]
          num_res_blocks: 2
    cond_stage_config:
      target: ldm.modules.encoders.modules.FrozenCLIPEmbedder
`
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := convert.ResolveConfig(convert.Variant{}, p)

	var iac *convert.InvalidArchitectureConfig
	if !errors.As(err, &iac) {
		t.Fatalf("err = %v, want InvalidArchitectureConfig", err)
	}
	if iac.Field != "model.params.timesteps" {
		t.Errorf("field = %q, want model.params.timesteps", iac.Field)
	}
}

func TestResolveUnsupportedFamily(t *testing.T) {
	doc := `
model:
  params:
    timesteps: 1000
    linear_start: 0.00085
    linear_end: 0.012
    unet_config:
      params:
        in_channels: 4
        out_channels: 4
        model_channels: 320
        num_res_blocks: 2
        channel_mult: [1, 2, 4, 4]
        context_dim: 768
    first_stage_config:
      params:
        ddconfig:
          z_channels: 4
          resolution: 256
          in_channels: 3
          out_ch: 3
          ch: 128
          ch_mult: [1, 2, 4, 4]
          num_res_blocks: 2
    cond_stage_config:
      target: ldm.modules.encoders.modules.T5Embedder
`
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := convert.ResolveConfig(convert.Variant{}, p)

	var utf *convert.UnsupportedTextEncoderFamily
	if !errors.As(err, &utf) {
		t.Fatalf("err = %v, want UnsupportedTextEncoderFamily", err)
	}
}

func TestResolveExplicitConfigSkipsDetectionDefaults(t *testing.T) {
	// an explicit v-parameterization config yields the v regime even with no
	// checkpoint in sight
	cfgs, err := convert.ResolveConfig(convert.Variant{}, filepath.Join("configs", "v2-inference-v.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	if cfgs.Variant.Family != convert.FamilyOpenCLIP {
		t.Errorf("family = %s, want %s", cfgs.Variant.Family, convert.FamilyOpenCLIP)
	}
	if cfgs.Variant.Prediction != convert.PredictionVPrediction {
		t.Errorf("prediction = %s, want %s", cfgs.Variant.Prediction, convert.PredictionVPrediction)
	}
}
