package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lungscan/classifier-broker/classifier/cmd/server"
	"github.com/lungscan/classifier-broker/classifier/cmd/stage"
	constant "github.com/lungscan/classifier-broker/classifier/const"
)

func main() {
	root := &cobra.Command{
		Use:           "classifier-broker",
		Short:         "Train and serve the chest CT scan classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "server",
			Short: "Run the HTTP service",
			Args:  cobra.NoArgs,
			Run: func(*cobra.Command, []string) {
				server.Main()
			},
		},
		&cobra.Command{
			Use:       "stage <name>",
			Short:     "Run one pipeline stage",
			Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
			ValidArgs: constant.StageOrder,
			RunE: func(_ *cobra.Command, args []string) error {
				return stage.Main(args[0])
			},
		},
		&cobra.Command{
			Use:   "pipeline",
			Short: "Run every pipeline stage in order",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return stage.Pipeline()
			},
		},
		&cobra.Command{
			Use:   "predict <image>",
			Short: "Classify an image file with the served model",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return stage.Predict(args[0], cmd.OutOrStdout())
			},
		},
	)

	if err := root.Execute(); err != nil {
		root.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
