/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package launch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFileLocationIsEvaluatedOnEveryRead(t *testing.T) {
	t.Parallel()

	root := filepath.Join(string(filepath.Separator), "work")
	l := New(`{{ var "project" }}/build.xml`, map[string]string{"project": filepath.Join(root, "one")})

	location, err := l.BuildFileLocation()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "one", "build.xml"), location)

	l.SetVariable("project", filepath.Join(root, "two"))
	location, err = l.BuildFileLocation()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "two", "build.xml"), location)
}

func TestBuildFileLocationEnv(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "srv")
	t.Setenv("BUILDDBG_TEST_ROOT", root)

	l := New(`{{ env "BUILDDBG_TEST_ROOT" }}/build.xml`, nil)
	location, err := l.BuildFileLocation()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "build.xml"), location)
}

func TestBuildFileLocationErrors(t *testing.T) {
	t.Parallel()

	_, err := New(`{{ var "missing" }}/build.xml`, nil).BuildFileLocation()
	assert.ErrorIs(t, err, ErrUndefinedVariable)

	_, err = New(`{{ var "unterminated" `, nil).BuildFileLocation()
	assert.Error(t, err)

	_, err = New("  ", nil).BuildFileLocation()
	assert.ErrorIs(t, err, ErrEmptyBuildFile)

	relative, err := New("build.xml", nil).BuildFileLocation()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(relative))
}

func TestParseVariables(t *testing.T) {
	t.Parallel()

	vars, err := ParseVariables([]string{"a=1", "b=x=y", "c="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y", "c": ""}, vars)

	_, err = ParseVariables([]string{"novalue"})
	assert.Error(t, err)
	_, err = ParseVariables([]string{"=1"})
	assert.Error(t, err)
}
