package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verbose bool

// Execute runs the qkd command line.
func Execute() error {
	root := &cobra.Command{
		Use:   "qkd",
		Short: "Simulated quantum key distribution with classical post-processing",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetLevel(logrus.WarnLevel)
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(exchangeCmd(), relayCmd())
	return root.Execute()
}
