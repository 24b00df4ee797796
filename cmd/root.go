// Package cmd defines the webshot command line: an HTTP service, a standalone
// analysis worker pool and AWS Lambda entrypoints sharing one configuration.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/config"
	"github.com/JakeFAU/webshot/internal/lambdahost"
	"github.com/JakeFAU/webshot/internal/logging"
	"github.com/JakeFAU/webshot/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of *server.App the commands use.
type App interface {
	Run(ctx context.Context) error
	RunWorkers(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	CaptureHandler() (*lambdahost.CaptureHandler, error)
	AnalysisHandler() (*lambdahost.AnalysisHandler, error)
}

// newApp is replaced in tests.
var newApp = func(ctx context.Context, configPath string) (App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "webshot",
		Short: "Capture website screenshots and extract their text.",
		Long: `webshot renders a target URL in headless Chrome, stores the screenshot,
enqueues a durable work item and lets a pool of analysis workers extract the
page text into a metadata store.`,
		SilenceUsage: true,

		// Build the application once config is known and hand it to the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newLambdaCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logger, lerr := logging.New(false, "webshot")
		if lerr != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger.Fatal("command execution failed", zap.Error(err))
	}
}
