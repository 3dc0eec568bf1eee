package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the caffenet release.
const Version = "v0.1.0-dev"

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the caffenet version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			if f.JSON() {
				return f.Success(map[string]string{"version": Version})
			}
			fmt.Fprintf(f.Writer, "caffenet %s\n", Version)
			return nil
		},
	}
}
