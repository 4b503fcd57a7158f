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

import "github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/keys"

// These aliases let every other file in this package, and every caller,
// refer to the identifier and key types without qualifying them with the
// keys package — the types live there only to break the import cycle
// between this package and rdepend (see keys.go's doc comment).
type (
	CacheKey   = keys.CacheKey
	RDependKey = keys.RDependKey
	UserID     = keys.UserID
	DatabaseID = keys.DatabaseID
	ObjectID   = keys.ObjectID
	ClassID    = keys.ClassID
)

const (
	NoUser         = keys.NoUser
	ClassRelation  = keys.ClassRelation
	ClassType      = keys.ClassType
	ClassProcedure = keys.ClassProcedure
)
