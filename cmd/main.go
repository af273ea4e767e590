package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"welfare-agent/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "welfare-agent",
		Short:         "Conversational assistant for welfare-board scheme questions",
		Long:          "welfare-agent answers worker questions about welfare schemes over HTTP, AWS Lambda or MCP, combining retrieved scheme documents with the caller's own application data.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newLambdaCmd(),
		newMCPCmd(),
		newSweepCmd(),
	)
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(viper.New(), cmd.Flags())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(version + "\n"))
			return err
		},
	}
}
