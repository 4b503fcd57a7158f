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

import (
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/s2"
)

// EncodePlan compresses a host-serialized plan before it is copied into
// shared memory. Shared segments are a scarce, fixed-size resource (§4.2),
// so trading a little CPU for a smaller resident footprint is worthwhile
// for plans above a trivial size; s2 is a speed-oriented Snappy
// derivative, cheap enough to run inline on the install path without
// materially lengthening it.
func EncodePlan(raw []byte) []byte {
	return s2.Encode(nil, raw)
}

// DecodePlan reverses EncodePlan. Called on every cache hit, so it must
// stay allocation-light; s2.Decode reuses dst's backing array when it has
// enough capacity.
func DecodePlan(dst, encoded []byte) ([]byte, error) {
	decoded, err := s2.Decode(dst, encoded)
	if err != nil {
		return nil, errors.Wrap(err, "plancodec: corrupt plan blob")
	}
	return decoded, nil
}
