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
	"context"
	"fmt"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// setupLogging installs the process-wide slog default and returns a context
// that is cancelled by SIGINT/SIGTERM. Human-readable text goes to stdout;
// when FIELDSYNC_LOG_FILE is set, a JSON copy is fanned out to that file so
// it can be shipped off the device later.
func setupLogging(servicename string) (context.Context, context.CancelFunc, error) {
	doneCtx, doneCancel := handleSignals(context.Background())

	// Configure slog level based on DEBUG environment variables
	var opts *slog.HandlerOptions
	if os.Getenv("DEBUG") != "" || os.Getenv("FIELDSYNC_DEBUG") != "" {
		opts = &slog.HandlerOptions{Level: slog.LevelDebug}
	}

	handler := slog.Handler(slog.NewTextHandler(os.Stdout, opts))
	if path := os.Getenv("FIELDSYNC_LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			doneCancel()
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		handler = slogmulti.Fanout(
			handler,
			slog.NewJSONHandler(f, opts),
		)
	}

	slog.SetDefault(slog.New(handler).With(
		slog.String("service", servicename),
	))

	return doneCtx, doneCancel, nil
}
