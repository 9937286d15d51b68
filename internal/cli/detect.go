package cli

import (
	"github.com/spf13/cobra"

	"seisflow/internal/app"
)

var (
	detectFrom     string
	detectTo       string
	detectChannels []string
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Replay stored data through the event detector",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTime("from", detectFrom)
		if err != nil {
			return err
		}
		to, err := parseTime("to", detectTo)
		if err != nil {
			return err
		}

		report, err := getApp().Detect(cmd.Context(), app.DetectOptions{
			Channels: detectChannels,
			From:     from,
			To:       to,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	detectCmd.Flags().StringVar(&detectTo, "to", "", "End timestamp (RFC3339, inclusive)")
	detectCmd.Flags().StringSliceVar(&detectChannels, "channel", nil, "Channel ids to replay (repeatable; default all)")
	_ = detectCmd.MarkFlagRequired("from")
	_ = detectCmd.MarkFlagRequired("to")
}
