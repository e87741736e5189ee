// Command netrtd is a standalone exerciser for the network I/O core: a
// "serve" subcommand grounded on the teacher's graceful_restarts/tbflip
// experiment, and a "dial" subcommand grounded on tcpqueue's
// dial-with-timeout client. Neither stands in for the interpreter's own
// CLI or config surface.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "netrtd",
	Short: "exercise the network I/O core's connector, listener, and transfer engine",
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cobra.OnInitialize(func() {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	})

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("netrtd failed")
		os.Exit(1)
	}
}
