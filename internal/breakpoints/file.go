/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package breakpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk breakpoint list.
//
//	breakpoints:
//	  - file: build.xml
//	    line: 12
//	  - file: /work/common.xml
//	    line: 40
//	    enabled: false
type File struct {
	Breakpoints []FileEntry `yaml:"breakpoints"`
}

type FileEntry struct {
	// Relative paths are resolved against the directory of the breakpoint file.
	File    string `yaml:"file"`
	Line    int    `yaml:"line"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

func (e FileEntry) enabled() bool {
	return e.Enabled == nil || *e.Enabled
}

func ParseFile(content []byte, baseDir string) (*File, error) {
	var f File
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("breakpoint file is not valid: %w", err)
	}

	for i := range f.Breakpoints {
		e := &f.Breakpoints[i]
		if e.File == "" {
			return nil, fmt.Errorf("breakpoint %d: %w: file is missing", i, ErrInvalidLocation)
		}
		if e.Line <= 0 {
			return nil, fmt.Errorf("breakpoint %d: %w: line must be positive, got %d", i, ErrInvalidLocation, e.Line)
		}
		if !filepath.IsAbs(e.File) {
			e.File = filepath.Join(baseDir, e.File)
		}
		e.File = filepath.Clean(e.File)
	}

	return &f, nil
}

func LoadFile(path string) (*File, error) {
	content, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read breakpoint file '%s': %w", path, readErr)
	}

	baseDir := filepath.Dir(absPath(path))
	return ParseFile(content, baseDir)
}

// ApplyFile makes the registered breakpoints of the given model match the file contents.
// Files that had breakpoints before but are no longer mentioned lose all their breakpoints.
func (r *Registry) ApplyFile(modelID string, f *File) {
	linesByFile := map[string][]int{}
	var files []string
	for _, e := range f.Breakpoints {
		if _, seen := linesByFile[e.File]; !seen {
			files = append(files, e.File)
		}
		linesByFile[e.File] = append(linesByFile[e.File], e.Line)
	}

	for _, bp := range r.Breakpoints() {
		if bp.ModelIdentifier() != modelID {
			continue
		}
		loc, locErr := bp.Location()
		if locErr != nil {
			continue
		}
		if _, mentioned := linesByFile[loc.Path]; !mentioned {
			files = append(files, loc.Path)
			linesByFile[loc.Path] = nil
		}
	}

	for _, file := range files {
		lines := linesByFile[file]
		bps := r.ReplaceFile(modelID, file, lines)
		for i, bp := range bps {
			r.SetEnabled(bp, entryFor(f, file, lines[i]).enabled())
		}
	}
}

func entryFor(f *File, file string, line int) FileEntry {
	for _, e := range f.Breakpoints {
		if e.File == file && e.Line == line {
			return e
		}
	}
	return FileEntry{File: file, Line: line}
}

// Returns a string that changes whenever the effective breakpoint list changes.
func (f *File) key() string {
	var sb strings.Builder
	for _, e := range f.Breakpoints {
		fmt.Fprintf(&sb, "%s:%d:%t\n", e.File, e.Line, e.enabled())
	}
	return sb.String()
}
