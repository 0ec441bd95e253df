/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/microsoft/builddbg/internal/builddbg/commands"
	"github.com/microsoft/builddbg/pkg/logger"
	"github.com/microsoft/builddbg/pkg/osutil"
	"github.com/microsoft/builddbg/pkg/resiliency"
)

const (
	errCommandError = 1
	errSetup        = 2
	errPanic        = 3
)

func main() {
	log := logger.New("builddbg").WithName("builddbg")

	defer func() {
		panicErr := resiliency.MakePanicError(recover(), log.Logger)
		if panicErr != nil {
			_, _ = os.Stderr.WriteString(panicErr.Error() + osutil.LineSep())
			log.Flush()
			os.Exit(errPanic)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := commands.NewRootCmd(log)
	if err != nil {
		commands.ErrorExit(log, err, errSetup)
	}

	err = root.ExecuteContext(ctx)
	if err != nil {
		stop()
		commands.ErrorExit(log, err, errCommandError)
	} else {
		log.Flush()
	}
}
