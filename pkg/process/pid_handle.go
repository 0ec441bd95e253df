// Copyright (c) Microsoft Corporation. All rights reserved.

package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"
)

const processQueryTimeout = 5 * time.Second

// PidHandle refers to a process that this program did not start, identified by its PID.
// The process creation time is captured when the handle is made so that a reused PID is not mistaken for the original process.
type PidHandle struct {
	proc       *ps.Process
	createTime int64
}

// Attach returns a handle to the running process with the given PID.
func Attach(ctx context.Context, pid int32) (*PidHandle, error) {
	proc, procErr := ps.NewProcessWithContext(ctx, pid)
	if procErr != nil {
		if errors.Is(procErr, ps.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("process with pid %d does not exist: %w", pid, ErrorProcessNotFound)
		}
		return nil, procErr
	}

	createTime, createTimeErr := proc.CreateTimeWithContext(ctx)
	if createTimeErr != nil {
		return nil, fmt.Errorf("could not determine start time of process %d: %w", pid, createTimeErr)
	}

	return &PidHandle{
		proc:       proc,
		createTime: createTime,
	}, nil
}

func (h *PidHandle) Pid() int32 {
	return h.proc.Pid
}

func (h *PidHandle) HasExited() bool {
	ctx, cancel := context.WithTimeout(context.Background(), processQueryTimeout)
	defer cancel()

	running, err := h.proc.IsRunningWithContext(ctx)
	if err != nil || !running {
		return true
	}

	// A different creation time means the PID has been reused by another process.
	createTime, err := h.proc.CreateTimeWithContext(ctx)
	return err != nil || createTime != h.createTime
}

func (h *PidHandle) Terminate() error {
	if h.HasExited() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), processQueryTimeout)
	defer cancel()

	if err := h.proc.KillWithContext(ctx); err != nil && !errors.Is(err, ps.ErrorProcessNotRunning) {
		return fmt.Errorf("failed to terminate process %d: %w", h.Pid(), err)
	}
	return nil
}

var _ Handle = (*PidHandle)(nil)
