// Package version implements the `drivesync version` command.
package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kelda-inc/drivesync/pkg/version"
)

// New creates the `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the drivesync version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Version)
		},
	}
}
