/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package osutil

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var errBlankValue = errors.New("blank value")

// LookupEnv reads an environment variable and converts it with parse.
// The second result is false if the variable is unset, blank, or cannot be parsed.
func LookupEnv[T any](varName string, parse func(string) (T, error)) (T, bool) {
	raw, found := os.LookupEnv(varName)
	if !found {
		return *new(T), false
	}

	val, err := parse(strings.TrimSpace(raw))
	if err != nil {
		return *new(T), false
	}
	return val, true
}

func EnvWithDefault[T any](varName string, parse func(string) (T, error), defaultVal T) T {
	if val, found := LookupEnv(varName, parse); found {
		return val
	}
	return defaultVal
}

// Returns true if the variable is set to "1", "true", "on" or "yes" (case-insensitive).
func EnvVarSwitchEnabled(varName string) bool {
	return EnvWithDefault(varName, parseSwitch, false)
}

func EnvVarIntValWithDefault(varName string, defaultVal int) int {
	return EnvWithDefault(varName, parseInt, defaultVal)
}

func EnvVarStringWithDefault(varName string, defaultVal string) string {
	return EnvWithDefault(varName, parseString, defaultVal)
}

// Reads a duration expressed in whole seconds. Non-positive values are treated as unset.
func EnvVarSecondsWithDefault(varName string, defaultVal time.Duration) time.Duration {
	return EnvWithDefault(varName, parseSeconds, defaultVal)
}

func parseString(s string) (string, error) {
	if s == "" {
		return "", errBlankValue
	}
	return s, nil
}

func parseInt(s string) (int, error) {
	val, err := strconv.ParseInt(s, 10, 32)
	return int(val), err
}

func parseSeconds(s string) (time.Duration, error) {
	secs, err := parseInt(s)
	if err != nil {
		return 0, err
	}
	if secs <= 0 {
		return 0, strconv.ErrRange
	}
	return time.Duration(secs) * time.Second, nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	default:
		return false, nil
	}
}
