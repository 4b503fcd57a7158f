// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package sharedplan

import "github.com/google/uuid"

// NewSessionID mints an opaque session identifier for hosts that don't
// already have a stable session identity to pass as UtilityStatement.
// SessionID (§9). The cache never parses the value; it only uses it as a
// map key for lock reclaim, so any unique string works, but a random
// UUID avoids accidental collisions across restarts the way a
// process-local counter would risk.
func NewSessionID() string {
	return uuid.NewString()
}
