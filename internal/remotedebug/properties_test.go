/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/builddbg/internal/debugproto"
	"github.com/microsoft/builddbg/pkg/testutil"
)

type variablesResult struct {
	groups []*PropertyGroup
	err    error
}

func queryVariables(ctx context.Context, target *Target) <-chan variablesResult {
	resultCh := make(chan variablesResult, 1)
	go func() {
		groups, err := target.Variables(ctx)
		resultCh <- variablesResult{groups, err}
	}()
	return resultCh
}

func TestVariablesAreFetchedOnDemand(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := suspendedSession(t, ctx, SessionConfig{})
	target := ts.Target()

	resultCh := queryVariables(ctx, target)
	ts.engine.expectCommand(t, ctx, "prop")
	ts.engine.emit(t, "prop,3,sep,1,,,0,9,java.home,4,/jdk,1,7,basedir,1,.,2,3,odd,1,x,9")

	result := testutil.Receive(t, ctx, resultCh)
	require.NoError(t, result.err)
	require.Len(t, result.groups, 3)
	system, user, runtime := result.groups[0], result.groups[1], result.groups[2]
	assert.Equal(t, SystemPropertiesGroup, system.Name())
	assert.Equal(t, UserPropertiesGroup, user.Name())
	assert.Equal(t, RuntimePropertiesGroup, runtime.Name())

	sep, found := user.Property("sep")
	require.True(t, found)
	assert.Equal(t, ",", sep.Value())
	assert.Same(t, user, sep.Group())
	assert.Same(t, target, sep.Target())

	javaHome, found := system.Property("java.home")
	require.True(t, found)
	assert.Equal(t, "/jdk", javaHome.Value())
	require.Len(t, runtime.Properties(), 1)

	// Nothing has run since the last fetch, so no request is made.
	again, againErr := target.Variables(ctx)
	require.NoError(t, againErr)
	assert.Equal(t, result.groups, again)
	ts.engine.expectNoCommand(t, 100*time.Millisecond)

	// After the build runs, values are refreshed in place and the groups are not recreated.
	require.NoError(t, target.Resume(ctx))
	ts.engine.expectCommand(t, ctx, "RESUME")
	ts.engine.emit(t, "resumed,client", "suspended,client")
	ts.waitFor(t, ctx, NotificationSuspended)

	resultCh = queryVariables(ctx, target)
	ts.engine.expectCommand(t, ctx, "prop")
	ts.engine.emit(t, "prop,3,sep,1,;,0,3,new,2,v2,0")

	refreshed := testutil.Receive(t, ctx, resultCh)
	require.NoError(t, refreshed.err)
	assert.Same(t, user, refreshed.groups[1])
	sepAfter, _ := user.Property("sep")
	assert.Same(t, sep, sepAfter)
	assert.Equal(t, ";", sep.Value())
	assert.Len(t, user.Properties(), 2)
}

func TestVariablesBeforeAnyFetchAreEmpty(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	target := newTarget(TargetConfig{Logger: testutil.NewLogForTesting(t.Name())}, nil)
	groups, err := target.Variables(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestVariablesQueryTimesOut(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, testTimeout)
	defer cancel()

	ts := suspendedSession(t, ctx, SessionConfig{TargetConfig: TargetConfig{QueryTimeout: 200 * time.Millisecond}})

	resultCh := queryVariables(ctx, ts.Target())
	ts.engine.expectCommand(t, ctx, "prop")
	result := testutil.Receive(t, ctx, resultCh)
	assert.ErrorIs(t, result.err, ErrRequestTimeout)
}

func TestApplyPropertiesCreatesGroupsOnce(t *testing.T) {
	t.Parallel()

	target := newTarget(TargetConfig{Logger: testutil.NewLogForTesting(t.Name())}, nil)
	ps := target.properties

	ps.apply(debugproto.PropertiesMessage{Properties: []debugproto.DecodedProperty{
		{Name: "a", Value: "1", Type: debugproto.PropertyTypeUser},
	}})
	first := ps.groups()
	require.Len(t, first, 3)
	assert.False(t, ps.refresh)

	ps.markForRefresh()
	ps.apply(debugproto.PropertiesMessage{Properties: []debugproto.DecodedProperty{
		{Name: "b", Value: "2", Type: debugproto.PropertyTypeUser},
		{Name: "a", Value: "3", Type: debugproto.PropertyTypeUser},
	}})
	second := ps.groups()
	for i := range first {
		assert.Same(t, first[i], second[i])
	}

	props := second[1].Properties()
	require.Len(t, props, 2)
	assert.Equal(t, "a", props[0].Name())
	assert.Equal(t, "3", props[0].Value())
	assert.Equal(t, "b", props[1].Name())
}
