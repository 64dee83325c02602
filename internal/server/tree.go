// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package server

import (
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/lakesync/lakesync/internal/logging"
)

// newTree builds the root supervisor. Restart policy: five failures with a
// 30-second decay before a 15-second backoff, matching suture's documented
// defaults. Supervisor events flow into the process logger through an slog
// bridge (zerolog's Logger is an io.Writer).
func newTree() (*suture.Supervisor, error) {
	zl := logging.Logger()
	handler := &sutureslog.Handler{
		Logger: slog.New(slog.NewJSONHandler(zl, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}

	return suture.New("lakesync", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	}), nil
}
