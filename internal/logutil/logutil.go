// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package logutil wraps a zap logger behind the small, verbosity-gated
// shape the rest of this module expects: a cheap call at the default level
// that callers sprinkle liberally along the lookup/install/invalidate
// paths, mirroring the (*optPlanningCtx).log helper the planner
// interceptor here was modeled on.
package logutil

import (
	"context"

	"go.uber.org/zap"
)

// Logger is the interface components depend on, so tests can substitute a
// no-op or observed logger without pulling in zap.
type Logger interface {
	Infof(ctx context.Context, format string, args ...interface{})
	Warningf(ctx context.Context, format string, args ...interface{})
	VEventf(ctx context.Context, level int8, format string, args ...interface{})
}

type zapLogger struct {
	base    *zap.SugaredLogger
	verbose int8
}

// New wraps z at the given verbosity threshold: VEventf calls at or below
// level are emitted, higher ones are dropped without formatting their
// arguments.
func New(z *zap.Logger, verbosity int8) Logger {
	return &zapLogger{base: z.Sugar(), verbose: verbosity}
}

// Nop returns a Logger that discards everything, for tests that don't care.
func Nop() Logger {
	return New(zap.NewNop(), 0)
}

func (l *zapLogger) Infof(_ context.Context, format string, args ...interface{}) {
	l.base.Infof(format, args...)
}

func (l *zapLogger) Warningf(_ context.Context, format string, args ...interface{}) {
	l.base.Warnf(format, args...)
}

func (l *zapLogger) VEventf(_ context.Context, level int8, format string, args ...interface{}) {
	if level > l.verbose {
		return
	}
	l.base.Debugf(format, args...)
}
