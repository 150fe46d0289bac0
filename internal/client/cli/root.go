package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dandiarchive/blobstore/internal/logging"
)

type rootOptions struct {
	serverConfig string
	clientConfig string
	logLevel     string
}

// newLogger is a seam for tests.
var newLogger = func(level string) logging.Logger {
	return logging.New(os.Stderr, level)
}

// NewRootCommand builds the blobctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "blobctl",
		Short:         "Manage the DANDI blob store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.serverConfig, "config", "", "server JSON config, used by administrative commands")
	root.PersistentFlags().StringVar(&opts.clientConfig, "client-config", "", "client JSON config, used by upload and lookup")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newUploadCommand(opts),
		newLookupCommand(opts),
		newUnembargoCommand(opts),
		newClearTagCommand(opts),
		newVerifyCommand(opts),
		newSHA256Command(opts),
		newGCUploadsCommand(opts),
		newHealthCommand(),
	)
	return root
}
