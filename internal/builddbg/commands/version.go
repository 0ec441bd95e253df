package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/builddbg/internal/version"
)

const (
	// If set, the value of this variable is written to the log as one of the first log messages.
	BUILDDBG_LOGGING_CONTEXT = "BUILDDBG_LOGGING_CONTEXT"
)

func NewVersionCommand(log logr.Logger) (*cobra.Command, error) {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Long:  `Prints version information.`,
		RunE:  getVersion(log),
		Args:  cobra.NoArgs,
	}

	return versionCmd, nil
}

func getVersion(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("version")

		versionStr, err := versionString()
		if err != nil {
			log.Error(err, "Could not serialize version information")
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), versionStr)
		return nil
	}
}

func LogVersion(log logr.Logger, programStartMsg string) func(_ *cobra.Command, _ []string) {
	return func(_ *cobra.Command, _ []string) {
		versionStr, err := versionString()
		if err != nil {
			versionStr = fmt.Sprintf("unknown: %v", err)
		}

		launchPath, pathErr := os.Executable()
		if pathErr != nil {
			launchPath = os.Args[0]
		}

		log.V(1).Info(programStartMsg,
			"pid", os.Getpid(),
			"exe", launchPath,
			"args", os.Args[1:],
			"version", versionStr,
		)

		logContext, found := os.LookupEnv(BUILDDBG_LOGGING_CONTEXT)
		if found && len(logContext) > 0 {
			log.V(1).Info(logContext)
		}
	}
}

func versionString() (string, error) {
	v, err := json.Marshal(version.Version())
	if err != nil {
		return "", err
	}
	return string(v), nil
}
