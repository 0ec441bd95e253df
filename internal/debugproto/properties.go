/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debugproto

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

// PropertyType is the category tag carried by every property in a PROPERTIES event.
type PropertyType int

const (
	PropertyTypeUser    PropertyType = 0
	PropertyTypeSystem  PropertyType = 1
	PropertyTypeRuntime PropertyType = 2
)

// String returns a string representation of the property type.
func (t PropertyType) String() string {
	switch t {
	case PropertyTypeUser:
		return "user"
	case PropertyTypeSystem:
		return "system"
	case PropertyTypeRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

func (t PropertyType) valid() bool {
	return t == PropertyTypeUser || t == PropertyTypeSystem || t == PropertyTypeRuntime
}

// DecodedProperty is a single name/value pair from a PROPERTIES event.
type DecodedProperty struct {
	Name  string
	Value string
	Type  PropertyType
}

// PropertiesMessage is a decoded PROPERTIES event.
type PropertiesMessage struct {
	Properties []DecodedProperty

	// Skipped counts properties dropped because their type tag was missing or not recognized.
	Skipped int
}

// DecodeProperties decodes a PROPERTIES event line.
//
// Each property is encoded as nameLength,name,valueLength,value,type. Because names and values
// may contain the delimiter, the fields following a length are re-joined with the delimiter until
// the declared length is reached. A declared value length of 0 with no field left decodes as "".
// Properties with an unrecognized type are dropped and counted in Skipped.
func DecodeProperties(line string) (PropertiesMessage, error) {
	var msg PropertiesMessage

	fields := splitFields(line)
	if len(fields) == 0 || fields[0] != verbProperties {
		return msg, newDecodeError(line, 0, "not a properties message")
	}

	i := 1
	for i < len(fields) {
		nameLength, convErr := strconv.Atoi(fields[i])
		if convErr != nil || nameLength < 0 {
			return msg, wrapDecodeError(line, i, "invalid property name length", convErr)
		}
		i++

		name, next, nameErr := readSized(line, fields, i, nameLength, false)
		if nameErr != nil {
			return msg, nameErr
		}
		i = next

		if i >= len(fields) {
			return msg, newDecodeError(line, i, "missing property value length")
		}
		valueLength, convErr := strconv.Atoi(fields[i])
		if convErr != nil || valueLength < 0 {
			return msg, wrapDecodeError(line, i, "invalid property value length", convErr)
		}
		i++

		value, next, valueErr := readSized(line, fields, i, valueLength, true)
		if valueErr != nil {
			return msg, valueErr
		}
		i = next

		if i >= len(fields) {
			msg.Skipped++
			break
		}
		tag, tagErr := strconv.Atoi(fields[i])
		i++
		propertyType := PropertyType(tag)
		if tagErr != nil || !propertyType.valid() {
			msg.Skipped++
			continue
		}

		msg.Properties = append(msg.Properties, DecodedProperty{
			Name:  name,
			Value: value,
			Type:  propertyType,
		})
	}

	return msg, nil
}

// readSized reassembles a text field of the declared length starting at fields[start].
// It returns the text and the index of the first field after it.
func readSized(line string, fields []string, start int, declared int, emptyAtEnd bool) (string, int, error) {
	if start >= len(fields) {
		if declared == 0 && emptyAtEnd {
			return "", start, nil
		}
		return "", start, newDecodeError(line, start, "missing property text")
	}

	var sb strings.Builder
	sb.WriteString(fields[start])
	length := declaredLength(fields[start])
	i := start + 1

	for length < declared {
		if i >= len(fields) {
			return "", i, newDecodeError(line, i, "property text is shorter than its declared length")
		}
		sb.WriteString(Delimiter)
		sb.WriteString(fields[i])
		length += 1 + declaredLength(fields[i])
		i++
	}

	if length != declared {
		return "", i, newDecodeError(line, i-1, "property text is longer than its declared length")
	}

	return sb.String(), i, nil
}

// EncodeProperties is the inverse of DecodeProperties. It is used by engine-side code and test peers.
func EncodeProperties(properties []DecodedProperty) string {
	var sb strings.Builder
	sb.WriteString(verbProperties)
	for _, p := range properties {
		sb.WriteString(Delimiter)
		sb.WriteString(strconv.Itoa(declaredLength(p.Name)))
		sb.WriteString(Delimiter)
		sb.WriteString(p.Name)
		sb.WriteString(Delimiter)
		sb.WriteString(strconv.Itoa(declaredLength(p.Value)))
		sb.WriteString(Delimiter)
		sb.WriteString(p.Value)
		sb.WriteString(Delimiter)
		sb.WriteString(strconv.Itoa(int(p.Type)))
	}
	return sb.String()
}

// declaredLength measures text the way the engine does: in UTF-16 code units.
// For ASCII this is the byte length.
func declaredLength(s string) int {
	n := 0
	for _, r := range s {
		units := utf16.RuneLen(r)
		if units < 0 {
			units = 1
		}
		n += units
	}
	return n
}
