package model_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/diffusekit/diffusekit/convert"
	"github.com/diffusekit/diffusekit/internal/fixture"
	"github.com/diffusekit/diffusekit/model"
)

func TestAssemble(t *testing.T) {
	c, cfgs, err := fixture.Checkpoint(convert.FamilyOpenCLIP)
	if err != nil {
		t.Fatal(err)
	}

	r, err := convert.Convert(c, nil, "")
	if err != nil {
		t.Fatal(err)
	}

	m, err := model.Assemble(r)
	if err != nil {
		t.Fatal(err)
	}

	if m.UNet == nil || m.VAE == nil || m.TextEncoder == nil || m.Scheduler == nil {
		t.Fatal("assembled model has nil sub-models")
	}
	if m.PredictionType != cfgs.Scheduler.PredictionType {
		t.Errorf("prediction type = %s, want %s", m.PredictionType, cfgs.Scheduler.PredictionType)
	}
	if m.AttentionMode != model.AttentionDefault {
		t.Errorf("attention mode = %s, want default", m.AttentionMode)
	}
}

func TestAssembleRejectsStrayKey(t *testing.T) {
	c, _, err := fixture.Checkpoint(convert.FamilyCLIP)
	if err != nil {
		t.Fatal(err)
	}

	r, err := convert.Convert(c, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	r.UNet["not_a_real_parameter"] = &convert.Tensor{Shape: []uint64{1}, Data: []float32{0}}

	_, err = model.Assemble(r)
	if err == nil || !strings.Contains(err.Error(), "unexpected key") {
		t.Fatalf("err = %v, want unexpected key", err)
	}
}

func TestAssembleRejectsMissingKey(t *testing.T) {
	c, _, err := fixture.Checkpoint(convert.FamilyCLIP)
	if err != nil {
		t.Fatal(err)
	}

	r, err := convert.Convert(c, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	delete(r.VAE, "decoder.conv_out.bias")

	_, err = model.Assemble(r)

	var ism *convert.IncompleteStateMapping
	if !errors.As(err, &ism) {
		t.Fatalf("err = %v, want IncompleteStateMapping", err)
	}
	if ism.Submodel != "image_codec" || ism.Key != "decoder.conv_out.bias" {
		t.Errorf("got %s/%s, want image_codec/decoder.conv_out.bias", ism.Submodel, ism.Key)
	}
}

func TestAttentionModeString(t *testing.T) {
	cases := map[model.AttentionMode]string{
		model.AttentionDefault: "default",
		model.AttentionSliced:  "sliced",
		model.AttentionFused:   "fused",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestDDIMScheduler(t *testing.T) {
	cfg := convert.SchedulerConfig{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      "scaled_linear",
		StepsOffset:       1,
	}

	s := model.NewDDIMScheduler(cfg)

	if len(s.Betas) != 1000 || len(s.AlphasCumprod) != 1000 {
		t.Fatalf("schedule lengths = %d/%d, want 1000/1000", len(s.Betas), len(s.AlphasCumprod))
	}

	if !near(s.Betas[0], 0.00085) || !near(s.Betas[999], 0.012) {
		t.Errorf("beta endpoints = %v..%v, want 0.00085..0.012", s.Betas[0], s.Betas[999])
	}

	// betas ramp linearly in sqrt space, so midpoints fall between the bounds
	for i := 1; i < len(s.Betas); i++ {
		if s.Betas[i] <= s.Betas[i-1] {
			t.Fatalf("betas not strictly increasing at %d", i)
		}
	}

	// the cumulative product decays monotonically and stays in (0, 1)
	prev := 1.0
	for i, a := range s.AlphasCumprod {
		if a <= 0 || a >= prev {
			t.Fatalf("alphas_cumprod not strictly decreasing at %d: %v", i, a)
		}
		prev = a
	}

	if s.FinalAlphaCumprod != s.AlphasCumprod[0] {
		t.Errorf("final alpha = %v, want %v", s.FinalAlphaCumprod, s.AlphasCumprod[0])
	}

	cfg.SetAlphaToOne = true
	if s := model.NewDDIMScheduler(cfg); s.FinalAlphaCumprod != 1.0 {
		t.Errorf("final alpha = %v, want 1.0", s.FinalAlphaCumprod)
	}
}

func near(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}
