/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debugproto

import (
	"strconv"
	"strings"
)

const stackGroupSize = 4

// StackGroup is one decoded frame of a STACK event.
type StackGroup struct {
	// ID is the position of the group in the message, starting at 0.
	ID int

	// TargetName and TaskName are empty when the group used the leading empty-field marker.
	TargetName string
	TaskName   string

	// Name is the display name of the frame.
	Name string

	FilePath   string
	LineNumber int
}

// DecodeStack decodes a STACK event line into its frame groups, in wire order.
//
// Each group is four fields: target name, task name, file path, line number.
// When the target name field is empty, the second field is taken verbatim as the
// frame name and there is no separate task name. A group in which both names are
// legitimately empty is indistinguishable from that marker and decodes the same way.
func DecodeStack(line string) ([]StackGroup, error) {
	fields := splitFields(line)
	if len(fields) == 0 || fields[0] != verbStack {
		return nil, newDecodeError(line, 0, "not a stack message")
	}

	payload := fields[1:]
	groups := make([]StackGroup, 0, len(payload)/stackGroupSize)

	for i := 0; i < len(payload); i += stackGroupSize {
		if i+stackGroupSize > len(payload) {
			return nil, newDecodeError(line, len(fields)-1, "incomplete stack frame group")
		}

		lineNumber, convErr := strconv.Atoi(payload[i+3])
		if convErr != nil {
			return nil, wrapDecodeError(line, i+4, "invalid stack frame line number", convErr)
		}

		group := StackGroup{
			ID:         len(groups),
			FilePath:   payload[i+2],
			LineNumber: lineNumber,
		}

		if payload[i] == "" {
			group.Name = payload[i+1]
		} else {
			group.TargetName = payload[i]
			group.TaskName = payload[i+1]
			group.Name = frameName(group.TargetName, group.TaskName)
		}

		groups = append(groups, group)
	}

	return groups, nil
}

// EncodeStack is the inverse of DecodeStack. It is used by engine-side code and test peers.
func EncodeStack(groups []StackGroup) string {
	var sb strings.Builder
	sb.WriteString(verbStack)
	for _, g := range groups {
		sb.WriteString(Delimiter)
		sb.WriteString(g.TargetName)
		sb.WriteString(Delimiter)
		if g.TargetName == "" {
			sb.WriteString(g.Name)
		} else {
			sb.WriteString(g.TaskName)
		}
		sb.WriteString(Delimiter)
		sb.WriteString(g.FilePath)
		sb.WriteString(Delimiter)
		sb.WriteString(strconv.Itoa(g.LineNumber))
	}
	return sb.String()
}

func frameName(targetName, taskName string) string {
	switch {
	case targetName != "" && taskName != "":
		return targetName + ": " + taskName
	case targetName != "":
		return targetName
	default:
		return taskName
	}
}

// splitFields splits a line into fields, dropping trailing empty fields
// the same way the engine-side tokenizer does.
func splitFields(line string) []string {
	fields := strings.Split(line, Delimiter)
	for len(fields) > 0 && fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}
	return fields
}
