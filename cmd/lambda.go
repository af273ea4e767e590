package main

import (
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"welfare-agent/handler"
	"welfare-agent/internal/observability"
)

func newLambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve the chat API as an API Gateway Lambda function",
		Long:  "Serves the same routes as serve behind API Gateway. Streamed replies are buffered and returned whole.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := observability.Init(cfg.LogLevel, os.Stdout)

			a, err := wireApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			h, err := handler.NewHandler(a.api.Handler())
			if err != nil {
				return err
			}
			lambda.Start(h.Handle)
			return nil
		},
	}
}
