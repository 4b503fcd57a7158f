// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

//go:build !windows
// +build !windows

// Package cli holds the pieces of the planshare command's process
// lifecycle that are specific to a single platform.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/HalleyAssist/pg-shared-plans/internal/logutil"
)

// drainSignals are the signals that trigger a graceful shutdown: finish
// serving in-flight planning requests, then exit.
var drainSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// WaitForDrainSignal blocks until one of drainSignals arrives, logs it,
// and returns. A second signal during an already-in-progress drain is
// left to the caller to handle by simply not calling this again.
func WaitForDrainSignal(ctx context.Context, log logutil.Logger) os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, drainSignals...)
	defer signal.Stop(ch)

	sig := <-ch
	log.Infof(ctx, "received signal %v, draining", sig)
	return sig
}
