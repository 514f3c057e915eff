package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/diffusekit/diffusekit/cache"
	"github.com/diffusekit/diffusekit/convert"
	"github.com/diffusekit/diffusekit/envconfig"
	"github.com/diffusekit/diffusekit/loader"
	"github.com/diffusekit/diffusekit/model"
)

func main() {
	if envconfig.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if err := newCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "diffusekit",
		Short:         "Normalize diffusion model checkpoints into ready-to-run form",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.AddCommand(convertCmd(), inspectCmd(), envCmd())
	return root
}

func convertCmd() *cobra.Command {
	var name, configPath, vaePath, attention string

	cmd := &cobra.Command{
		Use:   "convert CHECKPOINT",
		Short: "Convert a raw checkpoint and store it in the models directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			var mode model.AttentionMode
			switch attention {
			case "", "default":
			case "sliced":
				mode = model.AttentionSliced
			case "fused":
				mode = model.AttentionFused
			default:
				return fmt.Errorf("unknown attention mode %q", attention)
			}

			l := loader.New(cache.NewManager(""), nil)
			m, md, err := l.Load(cmd.Context(), name, loader.File{
				Path:       args[0],
				ConfigPath: configPath,
				VAEPath:    vaePath,
			}, loader.Options{Attention: mode})
			if err != nil {
				return err
			}

			fmt.Printf("converted %s: %s family, %s, %dpx\n",
				name,
				m.TextEncoder.Config.Family,
				md.PredictionType,
				m.UNet.Config.SampleSize*8)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Logical model name (defaults to the file name)")
	cmd.Flags().StringVar(&configPath, "config", "", "Explicit structural config, skipping detection")
	cmd.Flags().StringVar(&vaePath, "vae", "", "Standalone image codec checkpoint override")
	cmd.Flags().StringVar(&attention, "attention", "default", "Attention mode: default, sliced or fused")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "Detect a checkpoint's schema variant without converting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := convert.ReadCheckpoint(args[0])
			if err != nil {
				return err
			}

			v, err := convert.Detect(c)
			if err != nil {
				return err
			}

			cfgs, err := convert.ResolveConfig(v, "")
			if err != nil {
				return err
			}

			fmt.Printf("tensors:     %d\n", len(c.Tensors))
			if c.HasGlobalStep {
				fmt.Printf("global step: %d\n", c.GlobalStep)
			}
			fmt.Printf("family:      %s\n", cfgs.Variant.Family)
			fmt.Printf("prediction:  %s\n", cfgs.Variant.Prediction)
			fmt.Printf("resolution:  %dpx\n", cfgs.Variant.SampleSize)
			return nil
		},
	}
}

func envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Run: func(cmd *cobra.Command, args []string) {
			for _, ev := range envconfig.AsMap() {
				fmt.Printf("%s=%q  # %s\n", ev.Name, fmt.Sprint(ev.Value), ev.Description)
			}
		},
	}
}
