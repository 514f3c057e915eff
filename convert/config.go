package convert

import (
	"embed"
	"os"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

//go:embed configs/*.yaml
var builtinConfigs embed.FS

// vaeScaleFactor is the fixed spatial downsampling between pixel space and the
// latent space (three factor-2 stages plus the latent itself).
const vaeScaleFactor = 8

// ldmParams mirrors the model.params subtree of the training config document.
type ldmParams struct {
	Parameterization string   `mapstructure:"parameterization"`
	LinearStart      *float64 `mapstructure:"linear_start"`
	LinearEnd        *float64 `mapstructure:"linear_end"`
	Timesteps        *int     `mapstructure:"timesteps"`

	UNetConfig struct {
		Target string `mapstructure:"target"`
		Params struct {
			InChannels             *int  `mapstructure:"in_channels"`
			OutChannels            *int  `mapstructure:"out_channels"`
			ModelChannels          *int  `mapstructure:"model_channels"`
			AttentionResolutions   []int `mapstructure:"attention_resolutions"`
			NumResBlocks           *int  `mapstructure:"num_res_blocks"`
			ChannelMult            []int `mapstructure:"channel_mult"`
			NumHeads               int   `mapstructure:"num_heads"`
			NumHeadChannels        int   `mapstructure:"num_head_channels"`
			TransformerDepth       int   `mapstructure:"transformer_depth"`
			ContextDim             *int  `mapstructure:"context_dim"`
			UseLinearInTransformer bool  `mapstructure:"use_linear_in_transformer"`
		} `mapstructure:"params"`
	} `mapstructure:"unet_config"`

	FirstStageConfig struct {
		Target string `mapstructure:"target"`
		Params struct {
			DDConfig struct {
				ZChannels    *int  `mapstructure:"z_channels"`
				Resolution   *int  `mapstructure:"resolution"`
				InChannels   *int  `mapstructure:"in_channels"`
				OutCh        *int  `mapstructure:"out_ch"`
				Ch           *int  `mapstructure:"ch"`
				ChMult       []int `mapstructure:"ch_mult"`
				NumResBlocks *int  `mapstructure:"num_res_blocks"`
			} `mapstructure:"ddconfig"`
		} `mapstructure:"params"`
	} `mapstructure:"first_stage_config"`

	CondStageConfig struct {
		Target string `mapstructure:"target"`
	} `mapstructure:"cond_stage_config"`
}

// UNetConfig is the structural configuration of the denoising network.
type UNetConfig struct {
	SampleSize          int      `json:"sample_size"`
	InChannels          int      `json:"in_channels"`
	OutChannels         int      `json:"out_channels"`
	DownBlockTypes      []string `json:"down_block_types"`
	UpBlockTypes        []string `json:"up_block_types"`
	BlockOutChannels    []int    `json:"block_out_channels"`
	LayersPerBlock      int      `json:"layers_per_block"`
	TransformerDepth    int      `json:"transformer_depth"`
	CrossAttentionDim   int      `json:"cross_attention_dim"`
	AttentionHeadDim    int      `json:"attention_head_dim"`
	UseLinearProjection bool     `json:"use_linear_projection"`
	UpcastAttention     bool     `json:"upcast_attention"`
}

// VAEConfig is the structural configuration of the image codec.
type VAEConfig struct {
	SampleSize       int      `json:"sample_size"`
	InChannels       int      `json:"in_channels"`
	OutChannels      int      `json:"out_channels"`
	DownBlockTypes   []string `json:"down_block_types"`
	UpBlockTypes     []string `json:"up_block_types"`
	BlockOutChannels []int    `json:"block_out_channels"`
	LatentChannels   int      `json:"latent_channels"`
	LayersPerBlock   int      `json:"layers_per_block"`
}

// TextEncoderConfig is the structural configuration of the conditioning
// encoder. The values are fixed per family; checkpoints do not carry them.
type TextEncoderConfig struct {
	Family                Family `json:"family"`
	VocabSize             int    `json:"vocab_size"`
	HiddenSize            int    `json:"hidden_size"`
	IntermediateSize      int    `json:"intermediate_size"`
	NumHiddenLayers       int    `json:"num_hidden_layers"`
	NumAttentionHeads     int    `json:"num_attention_heads"`
	MaxPositionEmbeddings int    `json:"max_position_embeddings"`
}

// SchedulerConfig carries the noise schedule parameters. Schedule shape,
// sampling offset and clipping are invariant constants of the pipeline.
type SchedulerConfig struct {
	NumTrainTimesteps int            `json:"num_train_timesteps"`
	BetaStart         float64        `json:"beta_start"`
	BetaEnd           float64        `json:"beta_end"`
	BetaSchedule      string         `json:"beta_schedule"`
	PredictionType    PredictionType `json:"prediction_type"`
	StepsOffset       int            `json:"steps_offset"`
	ClipSample        bool           `json:"clip_sample"`
	SetAlphaToOne     bool           `json:"set_alpha_to_one"`
}

// Configs is the full resolved configuration set for one checkpoint,
// derived once and immutable thereafter.
type Configs struct {
	Variant     Variant
	UNet        UNetConfig
	VAE         VAEConfig
	TextEncoder TextEncoderConfig
	Scheduler   SchedulerConfig
}

// ResolveConfig reads the structural config document (an explicit path, or the
// built-in document matching the detected variant) and derives the per
// sub-model configurations plus the noise schedule. Values are read verbatim;
// the only inference is the resolution/regime selection carried by v.
func ResolveConfig(v Variant, configPath string) (*Configs, error) {
	var bts []byte
	var err error
	if configPath != "" {
		bts, err = os.ReadFile(configPath)
	} else {
		name := "configs/v1-inference.yaml"
		if v.Family == FamilyOpenCLIP {
			name = "configs/v2-inference-v.yaml"
		}
		bts, err = builtinConfigs.ReadFile(name)
	}
	if err != nil {
		return nil, err
	}

	return resolveConfig(v, bts)
}

func resolveConfig(v Variant, bts []byte) (*Configs, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(bts, &doc); err != nil {
		return nil, &InvalidArchitectureConfig{Field: "model", Reason: err.Error()}
	}

	model, ok := doc["model"].(map[string]any)
	if !ok {
		return nil, &InvalidArchitectureConfig{Field: "model"}
	}

	rawParams, ok := model["params"].(map[string]any)
	if !ok {
		return nil, &InvalidArchitectureConfig{Field: "model.params"}
	}

	var params ldmParams
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &params,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(rawParams); err != nil {
		return nil, &InvalidArchitectureConfig{Field: "model.params", Reason: err.Error()}
	}

	if err := params.validate(); err != nil {
		return nil, err
	}

	family, err := textEncoderFamily(params.CondStageConfig.Target)
	if err != nil {
		return nil, err
	}
	v.Family = family

	// regime defaults follow the parameterization; release fingerprints from
	// detection take precedence
	prediction := PredictionEpsilon
	imageSize := 512
	if params.Parameterization == "v" {
		prediction = PredictionVPrediction
		imageSize = 768
	}
	if v.Prediction != "" {
		prediction = v.Prediction
	}
	if v.SampleSize != 0 {
		imageSize = v.SampleSize
	}
	v.Prediction = prediction
	v.SampleSize = imageSize

	cfg := Configs{
		Variant:     v,
		UNet:        resolveUNetConfig(params, v, imageSize),
		VAE:         resolveVAEConfig(params, imageSize),
		TextEncoder: textEncoderConfig(family),
		Scheduler: SchedulerConfig{
			NumTrainTimesteps: *params.Timesteps,
			BetaStart:         *params.LinearStart,
			BetaEnd:           *params.LinearEnd,
			BetaSchedule:      "scaled_linear",
			PredictionType:    prediction,
			StepsOffset:       1,
			ClipSample:        false,
			SetAlphaToOne:     false,
		},
	}

	return &cfg, nil
}

func (p *ldmParams) validate() error {
	required := []struct {
		field string
		ok    bool
	}{
		{"model.params.timesteps", p.Timesteps != nil},
		{"model.params.linear_start", p.LinearStart != nil},
		{"model.params.linear_end", p.LinearEnd != nil},
		{"model.params.unet_config.params.in_channels", p.UNetConfig.Params.InChannels != nil},
		{"model.params.unet_config.params.out_channels", p.UNetConfig.Params.OutChannels != nil},
		{"model.params.unet_config.params.model_channels", p.UNetConfig.Params.ModelChannels != nil},
		{"model.params.unet_config.params.num_res_blocks", p.UNetConfig.Params.NumResBlocks != nil},
		{"model.params.unet_config.params.channel_mult", len(p.UNetConfig.Params.ChannelMult) > 0},
		{"model.params.unet_config.params.context_dim", p.UNetConfig.Params.ContextDim != nil},
		{"model.params.first_stage_config.params.ddconfig.z_channels", p.FirstStageConfig.Params.DDConfig.ZChannels != nil},
		{"model.params.first_stage_config.params.ddconfig.in_channels", p.FirstStageConfig.Params.DDConfig.InChannels != nil},
		{"model.params.first_stage_config.params.ddconfig.out_ch", p.FirstStageConfig.Params.DDConfig.OutCh != nil},
		{"model.params.first_stage_config.params.ddconfig.ch", p.FirstStageConfig.Params.DDConfig.Ch != nil},
		{"model.params.first_stage_config.params.ddconfig.ch_mult", len(p.FirstStageConfig.Params.DDConfig.ChMult) > 0},
		{"model.params.first_stage_config.params.ddconfig.num_res_blocks", p.FirstStageConfig.Params.DDConfig.NumResBlocks != nil},
		{"model.params.cond_stage_config.target", p.CondStageConfig.Target != ""},
	}

	for _, r := range required {
		if !r.ok {
			return &InvalidArchitectureConfig{Field: r.field}
		}
	}

	return nil
}

func resolveUNetConfig(p ldmParams, v Variant, imageSize int) UNetConfig {
	up := p.UNetConfig.Params

	var blockOut []int
	for _, m := range up.ChannelMult {
		blockOut = append(blockOut, *up.ModelChannels*m)
	}

	var down, upTypes []string
	res := 1
	for i := range up.ChannelMult {
		if slices.Contains(up.AttentionResolutions, res) {
			down = append(down, "CrossAttnDownBlock2D")
		} else {
			down = append(down, "DownBlock2D")
		}
		if i != len(up.ChannelMult)-1 {
			res *= 2
		}
	}
	for i := len(down) - 1; i >= 0; i-- {
		if down[i] == "CrossAttnDownBlock2D" {
			upTypes = append(upTypes, "CrossAttnUpBlock2D")
		} else {
			upTypes = append(upTypes, "UpBlock2D")
		}
	}

	headDim := up.NumHeads
	if up.NumHeadChannels > 0 {
		headDim = up.NumHeadChannels
	}

	depth := up.TransformerDepth
	if depth == 0 {
		depth = 1
	}

	return UNetConfig{
		SampleSize:          imageSize / vaeScaleFactor,
		InChannels:          *up.InChannels,
		OutChannels:         *up.OutChannels,
		DownBlockTypes:      down,
		UpBlockTypes:        upTypes,
		BlockOutChannels:    blockOut,
		LayersPerBlock:      *up.NumResBlocks,
		TransformerDepth:    depth,
		CrossAttentionDim:   *up.ContextDim,
		AttentionHeadDim:    headDim,
		UseLinearProjection: up.UseLinearInTransformer,
		UpcastAttention:     v.UpcastAttention,
	}
}

func resolveVAEConfig(p ldmParams, imageSize int) VAEConfig {
	dd := p.FirstStageConfig.Params.DDConfig

	var blockOut []int
	var down, up []string
	for _, m := range dd.ChMult {
		blockOut = append(blockOut, *dd.Ch*m)
		down = append(down, "DownEncoderBlock2D")
		up = append(up, "UpDecoderBlock2D")
	}

	return VAEConfig{
		SampleSize:       imageSize,
		InChannels:       *dd.InChannels,
		OutChannels:      *dd.OutCh,
		DownBlockTypes:   down,
		UpBlockTypes:     up,
		BlockOutChannels: blockOut,
		LatentChannels:   *dd.ZChannels,
		LayersPerBlock:   *dd.NumResBlocks,
	}
}

// textEncoderFamily maps the fully qualified conditioning class name from the
// training config to a family tag.
func textEncoderFamily(target string) (Family, error) {
	parts := strings.Split(target, ".")
	switch parts[len(parts)-1] {
	case "FrozenCLIPEmbedder":
		return FamilyCLIP, nil
	case "FrozenOpenCLIPEmbedder":
		return FamilyOpenCLIP, nil
	default:
		return 0, &UnsupportedTextEncoderFamily{Target: target}
	}
}

func textEncoderConfig(f Family) TextEncoderConfig {
	switch f {
	case FamilyOpenCLIP:
		return TextEncoderConfig{
			Family:                f,
			VocabSize:             49408,
			HiddenSize:            1024,
			IntermediateSize:      4096,
			NumHiddenLayers:       23,
			NumAttentionHeads:     16,
			MaxPositionEmbeddings: 77,
		}
	default:
		return TextEncoderConfig{
			Family:                f,
			VocabSize:             49408,
			HiddenSize:            768,
			IntermediateSize:      3072,
			NumHiddenLayers:       12,
			NumAttentionHeads:     12,
			MaxPositionEmbeddings: 77,
		}
	}
}

func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Family) UnmarshalText(bts []byte) error {
	switch string(bts) {
	case "clip":
		*f = FamilyCLIP
	case "open_clip":
		*f = FamilyOpenCLIP
	default:
		return &UnsupportedTextEncoderFamily{Target: string(bts)}
	}
	return nil
}
