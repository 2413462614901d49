// Package cmd wires together the drivesync CLI's subcommands.
package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kelda-inc/drivesync/cmd/login"
	"github.com/kelda-inc/drivesync/cmd/status"
	"github.com/kelda-inc/drivesync/cmd/sync"
	"github.com/kelda-inc/drivesync/cmd/util"
	"github.com/kelda-inc/drivesync/cmd/version"
	"github.com/kelda-inc/drivesync/cmd/watch"
	"github.com/kelda-inc/drivesync/cmd/workspace"
)

// verboseLogKey is the environment variable used to enable verbose
// logging. When set to `true`, Debug events are logged, rather than
// just Info and above.
const verboseLogKey = "DRIVESYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "drivesync",
		Short:        "Sync a local directory with a cloud drive workspace",
		SilenceUsage: true,

		// rootCmd.Execute already prints the error; silence it here to
		// avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		login.New(),
		workspace.New(),
		sync.New(),
		watch.New(),
		status.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
