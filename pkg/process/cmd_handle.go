/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// CmdHandle tracks a process started from an exec.Cmd.
type CmdHandle struct {
	cmd      *exec.Cmd
	exited   chan struct{}
	lock     sync.Mutex
	exitCode int32
	waitErr  error
}

// StartCommand starts the command and begins waiting for it to exit in the background.
func StartCommand(cmd *exec.Cmd) (*CmdHandle, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process '%s': %w", cmd.Path, err)
	}

	h := &CmdHandle{
		cmd:      cmd,
		exited:   make(chan struct{}),
		exitCode: UnknownExitCode,
	}

	go func() {
		waitErr := cmd.Wait()

		h.lock.Lock()
		h.waitErr = waitErr
		if cmd.ProcessState != nil {
			h.exitCode = int32(cmd.ProcessState.ExitCode())
		}
		h.lock.Unlock()

		close(h.exited)
	}()

	return h, nil
}

func (h *CmdHandle) Pid() int32 {
	return int32(h.cmd.Process.Pid)
}

func (h *CmdHandle) HasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

func (h *CmdHandle) Terminate() error {
	if h.HasExited() {
		return nil
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to terminate process %d: %w", h.Pid(), err)
	}
	return nil
}

// Done returns a channel that is closed when the process exits.
func (h *CmdHandle) Done() <-chan struct{} {
	return h.exited
}

// ExitCode returns the process exit code, or UnknownExitCode if the process is still running
// or the exit code could not be determined. The second value is the error returned by exec.Cmd.Wait(), if any.
func (h *CmdHandle) ExitCode() (int32, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.exitCode, h.waitErr
}

var _ Handle = (*CmdHandle)(nil)
