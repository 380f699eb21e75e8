// Package cli wires the kafeventsink commands.
package cli

import (
	"github.com/spf13/cobra"
)

// Version and Commit are set via LDFLAGS at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// NewRootCmd builds the kafeventsink command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kafeventsink",
		Short: "Route Kafka CloudEvents into template-computed files",
		Long: "kafeventsink consumes CloudEvents from Kafka and appends each one to the file its path " +
			"template resolves to, on HDFS, a local filesystem or an object store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newResolveCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("kafeventsink %s (%s)\n", Version, Commit)
		},
	}
}
