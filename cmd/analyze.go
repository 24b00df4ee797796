package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Run only the analysis worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.RunWorkers(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("analyze: %w", err)
			}
			appInstance.Logger().Info("analysis workers stopped")
			return nil
		},
	}
}
