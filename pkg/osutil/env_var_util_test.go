/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package osutil

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvVarHelpers(t *testing.T) {
	t.Setenv("BUILDDBG_TEST_INT", " 17 ")
	t.Setenv("BUILDDBG_TEST_BAD_INT", "seventeen")
	t.Setenv("BUILDDBG_TEST_SWITCH", "Yes")
	t.Setenv("BUILDDBG_TEST_BLANK", "  ")
	t.Setenv("BUILDDBG_TEST_SECONDS", "3")
	t.Setenv("BUILDDBG_TEST_NEG_SECONDS", "-3")

	assert.Equal(t, 17, EnvVarIntValWithDefault("BUILDDBG_TEST_INT", 5))
	assert.Equal(t, 5, EnvVarIntValWithDefault("BUILDDBG_TEST_BAD_INT", 5))
	assert.Equal(t, 5, EnvVarIntValWithDefault("BUILDDBG_TEST_MISSING", 5))
	assert.True(t, EnvVarSwitchEnabled("BUILDDBG_TEST_SWITCH"))
	assert.False(t, EnvVarSwitchEnabled("BUILDDBG_TEST_BLANK"))
	assert.False(t, EnvVarSwitchEnabled("BUILDDBG_TEST_MISSING"))
	assert.Equal(t, "fallback", EnvVarStringWithDefault("BUILDDBG_TEST_BLANK", "fallback"))
	assert.Equal(t, 3*time.Second, EnvVarSecondsWithDefault("BUILDDBG_TEST_SECONDS", time.Minute))
	assert.Equal(t, time.Minute, EnvVarSecondsWithDefault("BUILDDBG_TEST_NEG_SECONDS", time.Minute))
}

func TestLookupEnvWithCustomParser(t *testing.T) {
	t.Setenv("BUILDDBG_TEST_FLOAT", "0.5")

	val, found := LookupEnv("BUILDDBG_TEST_FLOAT", func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
	assert.True(t, found)
	assert.Equal(t, 0.5, val)

	_, found = LookupEnv("BUILDDBG_TEST_MISSING", func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
	assert.False(t, found)
}
