package model

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/diffusekit/diffusekit/convert"
)

// DDIMScheduler is the noise schedule object attached to an assembled model.
// The schedule shape is always scaled-linear: the betas are the squares of a
// linear ramp between the square roots of the variance bounds.
type DDIMScheduler struct {
	Config convert.SchedulerConfig

	Betas             []float64
	AlphasCumprod     []float64
	FinalAlphaCumprod float64
}

func NewDDIMScheduler(cfg convert.SchedulerConfig) *DDIMScheduler {
	betas := make([]float64, cfg.NumTrainTimesteps)
	floats.Span(betas, math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd))
	for i := range betas {
		betas[i] *= betas[i]
	}

	cumprod := make([]float64, len(betas))
	alpha := 1.0
	for i, beta := range betas {
		alpha *= 1 - beta
		cumprod[i] = alpha
	}

	final := cumprod[0]
	if cfg.SetAlphaToOne {
		final = 1.0
	}

	return &DDIMScheduler{
		Config:            cfg,
		Betas:             betas,
		AlphasCumprod:     cumprod,
		FinalAlphaCumprod: final,
	}
}
