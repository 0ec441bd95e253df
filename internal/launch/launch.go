/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package launch describes how a build was launched for debugging.
package launch

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

var (
	ErrUndefinedVariable = errors.New("undefined variable")
	ErrEmptyBuildFile    = errors.New("build file location is empty")
)

// Launch holds the build file location attribute of a debug launch.
//
// The location is a template that may reference launch variables and environment variables:
//
//	{{ var "project_dir" }}/build.xml
//	{{ env "HOME" }}/src/build.xml
//
// The template is evaluated every time the location is read, so variable changes take effect immediately.
type Launch struct {
	buildFile string
	lock      sync.RWMutex
	vars      map[string]string
}

func New(buildFile string, vars map[string]string) *Launch {
	l := &Launch{
		buildFile: buildFile,
		vars:      map[string]string{},
	}
	maps.Copy(l.vars, vars)
	return l
}

func (l *Launch) SetVariable(name, value string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.vars[name] = value
}

// Returns the raw (unevaluated) build file location.
func (l *Launch) BuildFileAttribute() string {
	return l.buildFile
}

// BuildFileLocation evaluates the build file location and returns it as a clean absolute path.
func (l *Launch) BuildFileLocation() (string, error) {
	tmpl, err := template.New("buildFile").Funcs(template.FuncMap{
		"var": l.lookup,
		"env": func(name string) string {
			return os.Getenv(name)
		},
	}).Option("missingkey=error").Parse(l.buildFile)
	if err != nil {
		return "", fmt.Errorf("build file location '%s' is not a valid template: %w", l.buildFile, err)
	}

	var sb strings.Builder
	if err = tmpl.Execute(&sb, nil); err != nil {
		return "", fmt.Errorf("build file location '%s' could not be evaluated: %w", l.buildFile, err)
	}

	location := strings.TrimSpace(sb.String())
	if location == "" {
		return "", ErrEmptyBuildFile
	}

	abs, err := filepath.Abs(location)
	if err != nil {
		return "", fmt.Errorf("build file location '%s' cannot be made absolute: %w", location, err)
	}
	return abs, nil
}

func (l *Launch) lookup(name string) (string, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	value, found := l.vars[name]
	if !found {
		return "", fmt.Errorf("%w: '%s'", ErrUndefinedVariable, name)
	}
	return value, nil
}

// ParseVariables converts name=value pairs (as given on the command line) into a variable map.
func ParseVariables(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("variable definition '%s' must have the form name=value", pair)
		}
		vars[name] = value
	}
	return vars, nil
}
