package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var exitCode int

// rootCommand builds the command line surface: the Lambda entrypoint and a
// local batch runner for bulk re-ingestion.
func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "esloader COMMAND [args]",
		Short: "Normalize security logs from S3 and load them into OpenSearch",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		lambdaCmd(),
		localCmd(),
	)
	return rootCmd
}

func Execute() int {
	if err := rootCommand().Execute(); err != nil {
		exitCode = 1
	}
	return exitCode
}
