package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/handler"
)

func lambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as the Lambda handler",
		Run: func(cmd *cobra.Command, args []string) {
			runLambda()
		},
	}
}

func runLambda() {
	ctx := context.Background()
	pipeline, err := handler.NewPipeline(ctx, handler.ConfigFromEnv())
	if err != nil {
		slog.Error("pipeline initialization failed", "error", err.Error())
		os.Exit(1)
	}

	lambda.Start(func(ctx context.Context, raw json.RawMessage) (handler.Response, error) {
		return pipeline.HandleLambdaEvent(ctx, raw)
	})
}
