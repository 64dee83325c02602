// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package quota defines the per-gateway ingestion quota surface. The
// gateway consults the enforcer before committing a push; deployments plug
// in billing-aware implementations.
package quota

import (
	"context"
	"errors"
)

// ErrQuotaExceeded signals that a push would exceed the gateway's quota.
// Handlers translate it to a 429 response.
var ErrQuotaExceeded = errors.New("quota: exceeded")

// Enforcer admits or rejects a push of n deltas totaling bytes for a
// gateway. Implementations must be safe for concurrent use.
type Enforcer interface {
	CheckPush(ctx context.Context, gatewayID string, deltas int, bytes int64) error
}

// Unlimited admits everything. The default when no quota backend is
// configured.
type Unlimited struct{}

func (Unlimited) CheckPush(context.Context, string, int, int64) error {
	return nil
}
