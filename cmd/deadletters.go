package cmd

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/spf13/cobra"

	"github.com/kfsoftware/hlf-privsync/pkg/progress"
)

// NewDeadLettersCmd lists the work items that exhausted their retry
// budget, for manual audit.
func NewDeadLettersCmd() *cobra.Command {
	var channelName string
	var dataDir string
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List work items parked after exhausting their retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := badger.Open(badger.DefaultOptions(dataDir))
			if err != nil {
				return err
			}
			defer db.Close()
			states, err := progress.NewStore(db).DeadLetters(channelName)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, state := range states {
				fmt.Fprintf(out, "%s attempts=%d updated=%s reason=%s\n",
					state.Item,
					state.Attempts,
					time.Unix(0, state.UpdatedAt).Format(time.RFC3339),
					state.Reason,
				)
			}
			fmt.Fprintf(out, "%d dead-lettered items\n", len(states))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&channelName, "channel", "", "", "Channel to inspect")
	flags.StringVarP(&dataDir, "data-dir", "", DataStoreDirectory, "Directory of the progress store")
	cmd.MarkFlagRequired("channel")
	return cmd
}
