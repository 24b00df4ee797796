package cmd

import (
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
)

const (
	lambdaCapture = "capture"
	lambdaAnalyze = "analyze"
)

// startLambda hands control to the Lambda runtime; it does not return in
// production.
var startLambda = lambda.Start

func newLambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda {capture|analyze}",
		Short: "Run as an AWS Lambda function",
		Long: `capture serves API Gateway HTTP events through the capture worker.
analyze consumes SQS batches and reports per-message failures so only the
failed items are redelivered.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{lambdaCapture, lambdaAnalyze},
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			switch args[0] {
			case lambdaCapture:
				h, err := appInstance.CaptureHandler()
				if err != nil {
					return fmt.Errorf("capture handler: %w", err)
				}
				startLambda(h.Handle)
			case lambdaAnalyze:
				h, err := appInstance.AnalysisHandler()
				if err != nil {
					return fmt.Errorf("analysis handler: %w", err)
				}
				startLambda(h.Handle)
			}
			return nil
		},
	}
}
