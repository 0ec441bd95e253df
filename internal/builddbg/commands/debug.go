/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/microsoft/builddbg/internal/breakpoints"
	"github.com/microsoft/builddbg/internal/dapserver"
	"github.com/microsoft/builddbg/internal/launch"
	"github.com/microsoft/builddbg/internal/remotedebug"
	"github.com/microsoft/builddbg/pkg/process"
)

const (
	// Passed to the build engine so it knows where to connect to and where to listen.
	BUILDDBG_EVENT_ADDRESS   = "BUILDDBG_EVENT_ADDRESS"
	BUILDDBG_REQUEST_ADDRESS = "BUILDDBG_REQUEST_ADDRESS"

	// How long to let the session drain events after the build engine process exits.
	engineExitGracePeriod = 2 * time.Second
)

type debugFlags struct {
	eventAddress     string
	requestAddress   string
	buildFile        string
	vars             []string
	breakpointsFile  string
	watchBreakpoints bool
	dapAddress       string
	dapWebSocket     string
	dapStdio         bool
	envFiles         []string
	pid              int32
	dialAttempts     int
	queryTimeout     time.Duration
}

// sessionInfo is written to stdout (as a single JSON line) once the session is ready.
type sessionInfo struct {
	SessionID    string `json:"sessionID"`
	EventAddress string `json:"eventAddress"`
	DapAddress   string `json:"dapAddress,omitempty"`
}

func NewDebugCommand(log logr.Logger) (*cobra.Command, error) {
	var flags debugFlags

	debugCmd := &cobra.Command{
		Use:   "debug --build-file file --request-address address [flags] [-- engine-command args...]",
		Short: "Runs a debug session for a build script",
		Long: `Runs a debug session for a build script.

	The build engine connects to the event address and listens on the request address.
	If an engine command is given, builddbg starts it with BUILDDBG_EVENT_ADDRESS and
	BUILDDBG_REQUEST_ADDRESS set in its environment. Alternatively an already running engine
	can be attached to with --pid, so that terminating the session terminates the engine.`,
		RunE: runDebugSession(log, &flags),
	}

	fs := debugCmd.Flags()
	fs.StringVar(&flags.eventAddress, "event-address", "127.0.0.1:0", "The address to listen on for the build engine event connection. Use port 0 to pick a free port.")
	fs.StringVar(&flags.requestAddress, "request-address", "", "The address of the build engine request port.")
	fs.StringVar(&flags.buildFile, "build-file", "", "The build file being debugged. May reference variables, e.g. '{{ var \"project\" }}/build.xml', and environment variables, e.g. '{{ env \"HOME\" }}/build.xml'.")
	fs.StringArrayVar(&flags.vars, "var", nil, "A launch variable used by the build file location, in name=value form. May be repeated.")
	fs.StringVar(&flags.breakpointsFile, "breakpoints", "", "A YAML file with breakpoints to install when the build starts.")
	fs.BoolVar(&flags.watchBreakpoints, "watch-breakpoints", false, "Re-read the breakpoints file whenever it changes.")
	fs.StringVar(&flags.dapAddress, "dap-address", "", "Serve the Debug Adapter Protocol on this address (one IDE connection).")
	fs.StringVar(&flags.dapWebSocket, "dap-websocket-address", "", "Serve the Debug Adapter Protocol over a WebSocket on this address (one IDE connection).")
	fs.BoolVar(&flags.dapStdio, "dap-stdio", false, "Serve the Debug Adapter Protocol over stdin and stdout.")
	fs.StringArrayVar(&flags.envFiles, "env-file", nil, "A .env file with additional environment variables for the engine command. May be repeated.")
	fs.Int32Var(&flags.pid, "pid", process.UnknownPID, "The PID of an already running build engine.")
	fs.IntVar(&flags.dialAttempts, "dial-attempts", 0, "How many times to try to connect to the build engine request port. Defaults to $"+remotedebug.BUILDDBG_DIAL_ATTEMPTS+" or 1.")
	fs.DurationVar(&flags.queryTimeout, "query-timeout", 0, "How long to wait for the build engine to answer stack and property requests. Defaults to $"+remotedebug.BUILDDBG_QUERY_TIMEOUT_SECONDS+" seconds or 30s.")

	if err := debugCmd.MarkFlagRequired("build-file"); err != nil {
		return nil, err
	}
	if err := debugCmd.MarkFlagRequired("request-address"); err != nil {
		return nil, err
	}
	debugCmd.MarkFlagsMutuallyExclusive("dap-address", "dap-websocket-address", "dap-stdio")
	debugCmd.Flags().SetInterspersed(false)

	return debugCmd, nil
}

func (f *debugFlags) validate(args []string) error {
	if f.watchBreakpoints && f.breakpointsFile == "" {
		return fmt.Errorf("--watch-breakpoints requires --breakpoints")
	}
	if f.pid != process.UnknownPID && len(args) > 0 {
		return fmt.Errorf("an engine command cannot be used together with --pid")
	}
	if len(f.envFiles) > 0 && len(args) == 0 {
		return fmt.Errorf("--env-file requires an engine command")
	}
	if f.pid != process.UnknownPID && f.pid <= 0 {
		return fmt.Errorf("--pid must be a positive process ID, not %d", f.pid)
	}
	return nil
}

func runDebugSession(log logr.Logger, flags *debugFlags) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log := log.WithName("debug")

		if validationErr := flags.validate(args); validationErr != nil {
			log.Error(validationErr, "Invocation parameters are invalid")
			return validationErr
		}

		vars, varsErr := launch.ParseVariables(flags.vars)
		if varsErr != nil {
			return varsErr
		}
		buildLaunch := launch.New(flags.buildFile, vars)
		if _, locationErr := buildLaunch.BuildFileLocation(); locationErr != nil {
			return fmt.Errorf("build file location cannot be resolved: %w", locationErr)
		}

		var engineEnv []string
		if len(args) > 0 {
			var envErr error
			if engineEnv, envErr = engineEnvironment(flags.envFiles); envErr != nil {
				log.Error(envErr, "Environment files could not be read", "envFiles", flags.envFiles)
				return envErr
			}
		}

		registry := breakpoints.NewRegistry(log.WithName("breakpoints"))
		if flags.breakpointsFile != "" {
			bpFile, loadErr := breakpoints.LoadFile(flags.breakpointsFile)
			if loadErr != nil {
				return loadErr
			}
			registry.ApplyFile(remotedebug.ModelIdentifier, bpFile)
		}

		engine := &engineProcess{}
		if flags.pid != process.UnknownPID {
			handle, attachErr := process.Attach(cmd.Context(), flags.pid)
			if attachErr != nil {
				log.Error(attachErr, "Could not attach to the build engine process", "pid", flags.pid)
				return attachErr
			}
			engine.set(handle)
		}

		session, sessionErr := remotedebug.NewSession(remotedebug.SessionConfig{
			TargetConfig: remotedebug.TargetConfig{
				Launch:       buildLaunch,
				Process:      engine,
				Registry:     registry,
				QueryTimeout: flags.queryTimeout,
				Logger:       log.WithName("session"),
			},
			EventAddress:   flags.eventAddress,
			RequestAddress: flags.requestAddress,
			DialAttempts:   flags.dialAttempts,
		})
		if sessionErr != nil {
			return sessionErr
		}
		target := session.Target()
		log = log.WithValues("sessionID", target.SessionID())

		info := sessionInfo{
			SessionID:    target.SessionID(),
			EventAddress: session.EventAddress().String(),
		}

		var dapListener net.Listener
		dapAddress := flags.dapAddress
		if flags.dapWebSocket != "" {
			dapAddress = flags.dapWebSocket
		}
		if dapAddress != "" {
			var listenErr error
			dapListener, listenErr = net.Listen("tcp", dapAddress)
			if listenErr != nil {
				_ = session.Shutdown()
				return fmt.Errorf("failed to listen for DAP connections on %s: %w", dapAddress, listenErr)
			}
			info.DapAddress = dapListener.Addr().String()
			if flags.dapWebSocket != "" {
				info.DapAddress = "ws://" + info.DapAddress + "/"
			}
		}

		// With DAP on stdio, stdout belongs to the protocol.
		infoOut := cmd.OutOrStdout()
		if flags.dapStdio {
			infoOut = cmd.ErrOrStderr()
		}
		if writeErr := writeSessionInfo(infoOut, info); writeErr != nil {
			log.Error(writeErr, "Could not write session information")
		}

		notifications := make(chan remotedebug.Notification, 64)
		target.Subscribe(notifications)

		runCtx, cancelRun := context.WithCancel(cmd.Context())
		defer cancelRun()
		g, gctx := errgroup.WithContext(runCtx)

		g.Go(func() error {
			defer cancelRun()
			return session.Run(gctx)
		})

		g.Go(func() error {
			for n := range notifications {
				log.Info("Debug target notification", "kind", n.Kind.String(), "detail", n.Detail.String())
			}
			return nil
		})

		if flags.watchBreakpoints {
			g.Go(func() error {
				watchErr := registry.WatchFile(gctx, remotedebug.ModelIdentifier, flags.breakpointsFile, log.WithName("breakpoints"))
				if watchErr != nil && !errors.Is(watchErr, context.Canceled) {
					log.Error(watchErr, "Breakpoint file watch failed", "file", flags.breakpointsFile)
				}
				return nil
			})
		}

		if dapListener != nil || flags.dapStdio {
			server := dapserver.NewServer(dapserver.ServerConfig{
				Target:   target,
				Registry: registry,
				Logger:   log.WithName("dap"),
			})
			g.Go(func() error {
				return serveDAP(gctx, server, dapListener, flags.dapWebSocket != "", log)
			})
		}

		var engineExit <-chan error
		if len(args) > 0 {
			handle, startErr := startEngine(args, engineEnv, info.EventAddress, flags.requestAddress, flags.dapStdio)
			if startErr != nil {
				cancelRun()
				_ = g.Wait()
				return startErr
			}
			engine.set(handle)
			log.Info("Build engine started", "pid", handle.Pid())

			exitCh := make(chan error, 1)
			engineExit = exitCh
			g.Go(func() error {
				exitCh <- waitForEngine(gctx, handle, session, log)
				return nil
			})
		}

		runErr := g.Wait()
		if engineExit != nil {
			if exitErr := <-engineExit; exitErr != nil {
				return exitErr
			}
		}
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	}
}

func writeSessionInfo(w io.Writer, info sessionInfo) error {
	infoJson, marshalErr := json.Marshal(info)
	if marshalErr != nil {
		return marshalErr
	}
	_, writeErr := fmt.Fprintln(w, string(infoJson))
	return writeErr
}

// serveDAP serves a single IDE connection, either on the listener or (if nil) on stdin/stdout.
func serveDAP(ctx context.Context, server *dapserver.Server, listener net.Listener, useWebSocket bool, log logr.Logger) error {
	if listener == nil {
		return server.Serve(ctx, dapserver.NewStdioTransport(os.Stdin, os.Stdout))
	}

	if useWebSocket {
		transport, acceptErr := dapserver.AcceptWebSocket(ctx, listener, log)
		if acceptErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return acceptErr
		}
		return server.Serve(ctx, transport)
	}

	stopClose := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stopClose()

	conn, acceptErr := listener.Accept()
	_ = listener.Close()
	if acceptErr != nil {
		if errors.Is(acceptErr, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("failed to accept DAP connection: %w", acceptErr)
	}

	log.V(1).Info("IDE connected", "remoteAddress", conn.RemoteAddr().String())
	return server.Serve(ctx, dapserver.NewConnTransport(conn))
}

// engineEnvironment reads the .env files given for the engine command, as KEY=value pairs.
// Later files override earlier ones.
func engineEnvironment(envFiles []string) ([]string, error) {
	if len(envFiles) == 0 {
		return nil, nil
	}

	additionalEnv, readErr := godotenv.Read(envFiles...)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read environment files: %w", readErr)
	}

	env := make([]string, 0, len(additionalEnv))
	for name, value := range additionalEnv {
		env = append(env, name+"="+value)
	}
	sort.Strings(env)
	return env, nil
}

func startEngine(args []string, extraEnv []string, eventAddress string, requestAddress string, dapStdio bool) (*process.CmdHandle, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Env = append(cmd.Env,
		BUILDDBG_EVENT_ADDRESS+"="+eventAddress,
		BUILDDBG_REQUEST_ADDRESS+"="+requestAddress,
	)
	cmd.Stdout = os.Stdout
	if dapStdio {
		cmd.Stdout = os.Stderr
	}
	cmd.Stderr = os.Stderr

	handle, startErr := process.StartCommand(cmd)
	if startErr != nil {
		return nil, fmt.Errorf("failed to start the build engine '%s': %w", args[0], startErr)
	}
	return handle, nil
}

// waitForEngine waits for the build engine process to exit. If the engine exits while the debug target
// is still alive, it went away without finishing the protocol: the session gets a short grace period
// to read the remaining events and is then shut down, and the engine exit code is reported.
func waitForEngine(ctx context.Context, handle *process.CmdHandle, session *remotedebug.Session, log logr.Logger) error {
	select {
	case <-handle.Done():
	case <-ctx.Done():
		// The session terminates the engine when it shuts down.
		return nil
	}

	exitCode, waitErr := handle.ExitCode()
	log.Info("Build engine exited", "pid", handle.Pid(), "exitCode", exitCode)

	select {
	case <-session.Target().Done():
		// The session ended first and stopped the engine, or the engine exited after the build finished.
		return nil
	default:
	}

	select {
	case <-session.Done():
	case <-time.After(engineExitGracePeriod):
		log.Info("Build engine exited without ending the debug session, shutting down")
		_ = session.Shutdown()
	}

	if exitCode > 0 {
		return &ExitCodeError{Code: int(exitCode)}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return waitErr
	}
	return nil
}

// engineProcess is the build engine process handle given to the target.
// The engine may be started after the session is created, so the handle is set later.
type engineProcess struct {
	lock   sync.Mutex
	handle process.Handle
}

func (p *engineProcess) set(h process.Handle) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.handle = h
}

func (p *engineProcess) get() process.Handle {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.handle
}

func (p *engineProcess) HasExited() bool {
	h := p.get()
	return h == nil || h.HasExited()
}

func (p *engineProcess) Terminate() error {
	h := p.get()
	if h == nil {
		return nil
	}
	return h.Terminate()
}

var _ remotedebug.ProcessHandle = (*engineProcess)(nil)
