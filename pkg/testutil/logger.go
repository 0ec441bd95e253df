// Copyright (c) Microsoft Corporation. All rights reserved.

package testutil

import (
	"flag"
	"testing"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"

	"github.com/microsoft/builddbg/pkg/logger"
)

func NewLogForTesting(name string) logr.Logger {
	log := logger.New(name)
	log.SetLevel(zapcore.ErrorLevel)
	if !flag.Parsed() {
		flag.Parse() // Needed to test if verbose flag was present.
	}
	if testing.Verbose() {
		log.SetLevel(zapcore.Level(-1)) // Includes protocol traffic
	}
	return log.Logger.WithValues("test", true)
}
