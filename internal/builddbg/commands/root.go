/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/microsoft/builddbg/pkg/logger"
	"github.com/microsoft/builddbg/pkg/osutil"
)

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		SilenceErrors: true,
		Use:           "builddbg",
		Short:         "Debugs build scripts running in a remote build engine",
		Long: `Debugs build scripts running in a remote build engine.

	builddbg connects to a build engine started in debug mode, drives it with breakpoints
	and stepping commands, and exposes the suspended build (call stack and properties)
	to an IDE over the Debug Adapter Protocol.`,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(log.Logger, "Starting builddbg..."),
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	log.AddLevelFlag(rootCmd.PersistentFlags())

	var err error
	var cmd *cobra.Command

	if cmd, err = NewVersionCommand(log.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	if cmd, err = NewDebugCommand(log.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'debug' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	return rootCmd, nil
}

// ErrorExit logs the error, flushes the log, and exits the process with the given code.
func ErrorExit(log *logger.Logger, err error, code int) {
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	} else {
		log.Error(err, "Command failed")
	}
	_, _ = os.Stderr.WriteString(err.Error() + osutil.LineSep())
	log.Flush()
	os.Exit(code)
}

// ExitCodeError carries the exit code of a build engine process that failed.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("build engine exited with code %d", e.Code)
}
