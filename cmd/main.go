package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:    "hlf-privsync",
	Short:  "HLF private data sync",
	Long:   `HLF privsync follows a channel's blocks, fetches the private data behind the hashed writes from authorized peers and stores it into a database`,
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
	},
}

func Execute() {
	rootCmd.AddCommand(NewSyncCmd())
	rootCmd.AddCommand(NewDeadLettersCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
