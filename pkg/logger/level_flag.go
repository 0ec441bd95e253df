/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Protocol traffic (commands sent and events received) is logged at logr verbosity 1.
const ProtocolLevel = zapcore.Level(-1)

var namedLevels = map[string]zapcore.Level{
	"error":    zapcore.ErrorLevel,
	"info":     zapcore.InfoLevel,
	"debug":    zapcore.DebugLevel,
	"protocol": ProtocolLevel,
}

// StringToLevel converts a level name or a positive logr verbosity into a zap level.
// logr verbosity N corresponds to zap level -N. On error defaultLevel is returned.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, found := namedLevels[strings.ToLower(strings.TrimSpace(value))]; found {
		return level, nil
	}

	verbosity, err := strconv.Atoi(value)
	if err != nil || verbosity <= 0 || verbosity > 127 {
		return defaultLevel, fmt.Errorf("invalid log level \"%s\"", value)
	}
	return zapcore.Level(int8(-verbosity)), nil
}

// levelFlag is a pflag.Value that sets the level of a zap core when the flag is parsed.
type levelFlag struct {
	target zap.AtomicLevel
	value  string
}

func newLevelFlag(target zap.AtomicLevel) *levelFlag {
	return &levelFlag{target: target}
}

func (lf *levelFlag) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InfoLevel)
	if err != nil {
		return err
	}
	lf.target.SetLevel(level)
	lf.value = flagValue
	return nil
}

func (lf *levelFlag) String() string {
	return lf.value
}

func (*levelFlag) Type() string {
	return "level"
}

var _ pflag.Value = (*levelFlag)(nil)
