/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package osutil

import (
	"os"
	"runtime"
)

const (
	PermissionOnlyOwnerReadWrite         os.FileMode = 0600
	PermissionOnlyOwnerReadWriteTraverse os.FileMode = 0700 // For directories
)

func IsWindows() bool {
	return runtime.GOOS == "windows"
}

func LineSep() string {
	if IsWindows() {
		return "\r\n"
	} else {
		return "\n"
	}
}
