package logger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/microsoft/builddbg/pkg/osutil"
	"github.com/microsoft/builddbg/pkg/resiliency"
)

const (
	BUILDDBG_DIAGNOSTICS_LOG_FOLDER = "BUILDDBG_DIAGNOSTICS_LOG_FOLDER" // Folder to write diagnostics logs to (defaults to a temp folder)
	BUILDDBG_DIAGNOSTICS_LOG_LEVEL  = "BUILDDBG_DIAGNOSTICS_LOG_LEVEL"  // Log level to include in diagnostics logs (defaults to none)
	BUILDDBG_LOG_FILE_NAME_SUFFIX   = "BUILDDBG_LOG_FILE_NAME_SUFFIX"   // Suffix to append to the log file name (defaults to process ID)
	BUILDDBG_CONSOLE_LOG_JSON       = "BUILDDBG_CONSOLE_LOG_JSON"       // Switch: write JSON instead of console-formatted output to stderr

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

var (
	defaultLogPath = filepath.Join(os.TempDir(), "builddbg", "logs")
)

type Logger struct {
	logr.Logger
	name        string
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New creates a logger that writes human-readable output to stderr and, if enabled
// via BUILDDBG_DIAGNOSTICS_LOG_LEVEL, machine-readable output to a diagnostics log file.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if osutil.IsWindows() {
		encoderConfig.LineEnding = "\r\n"
	}
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	if osutil.EnvVarSwitchEnabled(BUILDDBG_CONSOLE_LOG_JSON) {
		consoleEncoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	consoleAtomicLevel := zap.NewAtomicLevel()
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), consoleAtomicLevel),
	}

	var diagnosticsLogErr error
	if logCore, err := getDiagnosticsLogCore(name, encoderConfig); err != nil {
		if !errors.Is(err, errDiagnosticsLogNotEnabled) {
			diagnosticsLogErr = err
		}
	} else {
		cores = append(cores, logCore)
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	log := zapr.NewLogger(zapLogger)

	if diagnosticsLogErr != nil {
		log.Error(diagnosticsLogErr, "failed to enable diagnostics log output")
	}

	return &Logger{
		Logger:      log,
		name:        name,
		atomicLevel: consoleAtomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) WithName(name string) *Logger {
	l.Logger = l.Logger.WithName(name)
	return l
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

func (l *Logger) Flush() {
	l.flush()
}

// Add verbosity flag to enable setting stderr log levels
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	fs.VarP(newLevelFlag(l.atomicLevel), verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be 'error', 'info', 'debug', 'protocol' (commands and events exchanged with the build engine), or a positive integer for increasing debug verbosity.")
}

func getDiagnosticsLogCore(name string, encoderConfig zapcore.EncoderConfig) (zapcore.Core, error) {
	logLevel, err := GetDiagnosticsLogLevel()
	if err != nil {
		return nil, err
	}

	logFolder, err := EnsureDiagnosticsLogsFolder()
	if err != nil {
		return nil, err
	}

	logFileNameSuffix := osutil.EnvVarStringWithDefault(BUILDDBG_LOG_FILE_NAME_SUFFIX, fmt.Sprintf("%d", os.Getpid()))

	// A custom suffix may collide with an existing file, so retry briefly with a fresh timestamp.
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
	logOutput, err := resiliency.RetryGet(context.Background(), b, func() (*os.File, error) {
		logname := fmt.Sprintf("%s-%s-%s.log", name, time.Now().Format("20060102T150405.000"), logFileNameSuffix)
		return os.OpenFile(
			filepath.Join(logFolder, logname),
			os.O_RDWR|os.O_CREATE|os.O_EXCL,
			osutil.PermissionOnlyOwnerReadWrite,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	logEncoder := zapcore.NewJSONEncoder(encoderConfig)
	return zapcore.NewCore(logEncoder, zapcore.AddSync(logOutput), zap.NewAtomicLevelAt(logLevel)), nil
}

// Returns the folder to write diagnostics logs to.
func EnsureDiagnosticsLogsFolder() (string, error) {
	logFolder := osutil.EnvVarStringWithDefault(BUILDDBG_DIAGNOSTICS_LOG_FOLDER, defaultLogPath)

	info, err := os.Stat(logFolder)
	if errors.Is(err, fs.ErrNotExist) {
		if err = os.MkdirAll(logFolder, osutil.PermissionOnlyOwnerReadWriteTraverse); err != nil {
			return "", fmt.Errorf("failed to create the diagnostic log folder '%s': %w", logFolder, err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to verify the existence of the diagnostic log folder '%s': %w", logFolder, err)
	} else if !info.IsDir() {
		return "", fmt.Errorf("'%s' is not a directory and cannot be used as a log folder", logFolder)
	}

	return logFolder, nil
}

var errDiagnosticsLogNotEnabled = errors.New("diagnostics log not enabled")

func GetDiagnosticsLogLevel() (zapcore.Level, error) {
	diagnosticsLogLevel, found := os.LookupEnv(BUILDDBG_DIAGNOSTICS_LOG_LEVEL)
	if !found {
		return zapcore.InvalidLevel, errDiagnosticsLogNotEnabled
	}

	logLevel, err := StringToLevel(diagnosticsLogLevel, zapcore.ErrorLevel)
	if err != nil {
		return zapcore.InvalidLevel, fmt.Errorf("failed to parse log level: %v", diagnosticsLogLevel)
	}

	return logLevel, nil
}
