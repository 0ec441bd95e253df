/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

// ModelIdentifier identifies breakpoints and model elements that belong to build script debugging.
const ModelIdentifier = "builddbg.buildscript"

// Element is implemented by every object of the debug model:
// the target, its thread, stack frames, property groups, and properties.
type Element interface {
	// Target returns the debug target the element belongs to.
	Target() *Target

	ModelIdentifier() string
}

var (
	_ Element = (*Target)(nil)
	_ Element = (*Thread)(nil)
	_ Element = (*StackFrame)(nil)
	_ Element = (*PropertyGroup)(nil)
	_ Element = (*Property)(nil)
)
