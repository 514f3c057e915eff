package convert_test

import (
	"errors"
	"testing"

	"github.com/diffusekit/diffusekit/convert"
	"github.com/diffusekit/diffusekit/internal/fixture"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name       string
		family     convert.Family
		globalStep int64

		wantFamily     convert.Family
		wantPrediction convert.PredictionType
		wantSize       int
		wantUpcast     bool
	}{
		{
			name:           "narrow family",
			family:         convert.FamilyCLIP,
			wantFamily:     convert.FamilyCLIP,
			wantPrediction: convert.PredictionEpsilon,
			wantSize:       512,
		},
		{
			name:           "wide family",
			family:         convert.FamilyOpenCLIP,
			wantFamily:     convert.FamilyOpenCLIP,
			wantPrediction: convert.PredictionVPrediction,
			wantSize:       768,
		},
		{
			name:           "wide family base release",
			family:         convert.FamilyOpenCLIP,
			globalStep:     875000,
			wantFamily:     convert.FamilyOpenCLIP,
			wantPrediction: convert.PredictionEpsilon,
			wantSize:       512,
		},
		{
			name:           "wide family upcast release",
			family:         convert.FamilyOpenCLIP,
			globalStep:     110000,
			wantFamily:     convert.FamilyOpenCLIP,
			wantPrediction: convert.PredictionVPrediction,
			wantSize:       768,
			wantUpcast:     true,
		},
		{
			name:           "narrow family ignores release fingerprints",
			family:         convert.FamilyCLIP,
			globalStep:     875000,
			wantFamily:     convert.FamilyCLIP,
			wantPrediction: convert.PredictionEpsilon,
			wantSize:       512,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c, _, err := fixture.Checkpoint(tt.family)
			if err != nil {
				t.Fatal(err)
			}

			if tt.globalStep != 0 {
				c.GlobalStep, c.HasGlobalStep = tt.globalStep, true
			}

			v, err := convert.Detect(c)
			if err != nil {
				t.Fatal(err)
			}

			if v.Family != tt.wantFamily {
				t.Errorf("family = %s, want %s", v.Family, tt.wantFamily)
			}

			cfgs, err := convert.ResolveConfig(v, "")
			if err != nil {
				t.Fatal(err)
			}

			if got := cfgs.Variant.Prediction; got != tt.wantPrediction {
				t.Errorf("prediction = %s, want %s", got, tt.wantPrediction)
			}
			if got := cfgs.Variant.SampleSize; got != tt.wantSize {
				t.Errorf("sample size = %d, want %d", got, tt.wantSize)
			}
			if got := cfgs.UNet.UpcastAttention; got != tt.wantUpcast {
				t.Errorf("upcast attention = %t, want %t", got, tt.wantUpcast)
			}
		})
	}
}

func TestDetectWithoutProbeKey(t *testing.T) {
	// a checkpoint lacking the distinguishing tensor resolves to the narrow
	// family rather than failing
	c, _, err := fixture.Checkpoint(convert.FamilyCLIP)
	if err != nil {
		t.Fatal(err)
	}
	delete(c.Tensors, "model.diffusion_model.input_blocks.2.1.transformer_blocks.0.attn2.to_k.weight")

	v, err := convert.Detect(c)
	if err != nil {
		t.Fatal(err)
	}

	if v.Family != convert.FamilyCLIP {
		t.Errorf("family = %s, want %s", v.Family, convert.FamilyCLIP)
	}
}

func TestDetectScalarProbeTensor(t *testing.T) {
	// a degenerate export can leave the probe tensor rank-0; that is an
	// unusable probe, not a crash, and resolves to the narrow family
	c, _, err := fixture.Checkpoint(convert.FamilyOpenCLIP)
	if err != nil {
		t.Fatal(err)
	}
	c.Tensors["model.diffusion_model.input_blocks.2.1.transformer_blocks.0.attn2.to_k.weight"] = &convert.Tensor{Data: []float32{0}}

	v, err := convert.Detect(c)
	if err != nil {
		t.Fatal(err)
	}

	if v.Family != convert.FamilyCLIP {
		t.Errorf("family = %s, want %s", v.Family, convert.FamilyCLIP)
	}
}

func TestDetectNoDenoiserTensors(t *testing.T) {
	c := &convert.Checkpoint{Tensors: map[string]*convert.Tensor{
		"cond_stage_model.model.token_embedding.weight": {Shape: []uint64{2}, Data: []float32{0, 0}},
	}}

	_, err := convert.Detect(c)

	var cre *convert.ConfigResolutionError
	if !errors.As(err, &cre) {
		t.Fatalf("err = %v, want ConfigResolutionError", err)
	}
}
