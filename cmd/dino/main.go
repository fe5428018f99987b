// Command dino runs self-distillation pretraining of a vision transformer
// on histopathology patches: a momentum teacher distilled into a student
// over multi-crop views, with kNN tuning and early stopping.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configFile string
	var level string

	root := &cobra.Command{
		Use:   "dino [KEY VALUE ...]",
		Short: "Self-distillation pretraining on image patches",
		Long: `Runs DINO-style self-distillation pretraining. Configuration comes from
an optional YAML file; trailing KEY VALUE pairs override individual keys by
dotted path, e.g.:

  dino --config-file config.yaml optim.epochs 30 speed.use_fp16 false`,
		Args:          validateOverrideArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if level != "patch" {
				return fmt.Errorf("unsupported level %q (supported: patch)", level)
			}
			return run(configFile, args)
		},
	}
	root.Flags().StringVar(&configFile, "config-file", "", "path to the YAML configuration file")
	root.Flags().StringVar(&level, "level", "patch", "pretraining level")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func validateOverrideArgs(cmd *cobra.Command, args []string) error {
	if len(args)%2 != 0 {
		return fmt.Errorf("overrides must come in KEY VALUE pairs, got %d arguments", len(args))
	}
	return nil
}
