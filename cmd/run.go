// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/fieldsync/config"
	"github.com/cardinalhq/fieldsync/internal/healthcheck"
	"github.com/cardinalhq/fieldsync/internal/logctx"
	"github.com/cardinalhq/fieldsync/pkg/engine"
	"github.com/cardinalhq/fieldsync/pkg/remote"
)

var (
	runGuardID string
	runBaseURL string
)

func init() {
	runCmd.Flags().StringVar(&runGuardID, "guard-id", "", "guard whose data this instance syncs (required)")
	runCmd.Flags().StringVar(&runBaseURL, "base-url", "", "workforce backend base URL (required)")
	_ = runCmd.MarkFlagRequired("guard-id")
	_ = runCmd.MarkFlagRequired("base-url")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		servicename := "fieldsync"
		doneCtx, doneCancel, err := setupLogging(servicename)
		if err != nil {
			return err
		}
		defer doneCancel()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		source, err := remote.NewHTTPSource(runBaseURL, os.Getenv("FIELDSYNC_API_TOKEN"))
		if err != nil {
			return err
		}

		eng, err := engine.New(cfg, source, engine.Options{
			GuardID: runGuardID,
			Logger:  slog.Default(),
		})
		if err != nil {
			return fmt.Errorf("failed to create engine: %w", err)
		}
		defer func() {
			if err := eng.Close(); err != nil {
				slog.Error("Engine close failed", slog.Any("error", err))
			}
		}()

		ctx := logctx.WithLogger(doneCtx,
			slog.Default().With(slog.Int64("instanceID", eng.InstanceID())))

		g, ctx := errgroup.WithContext(ctx)

		var health *healthcheck.Server
		if cfg.HealthAddr != "" {
			health = healthcheck.NewServer(cfg.HealthAddr, eng)
			g.Go(func() error {
				return health.Start(ctx)
			})
		}

		g.Go(func() error {
			if health != nil {
				health.SetStatus(healthcheck.StatusHealthy)
			}
			err := eng.Run(ctx)
			if health != nil {
				health.SetStatus(healthcheck.StatusUnhealthy)
			}
			return err
		})

		slog.Info("Daemon started", slog.String("guard", runGuardID), slog.String("backend", runBaseURL))
		return g.Wait()
	},
}
