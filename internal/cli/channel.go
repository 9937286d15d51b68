package cli

import (
	"github.com/spf13/cobra"
)

var channelStrict bool

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage channel storage",
}

var channelCreateCmd = &cobra.Command{
	Use:   "create <channel-id>",
	Short: "Provision storage for a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CreateChannel(cmd.Context(), args[0], channelStrict)
	},
}

var channelDropCmd = &cobra.Command{
	Use:   "drop <channel-id>",
	Short: "Remove a channel and all of its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().DropChannel(cmd.Context(), args[0])
	},
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels with their latest sample time and size",
	RunE: func(cmd *cobra.Command, args []string) error {
		channels, err := getApp().Channels(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), channels)
	},
}

func init() {
	channelCreateCmd.Flags().BoolVar(&channelStrict, "strict", false, "Fail if the channel already exists")

	channelCmd.AddCommand(channelCreateCmd)
	channelCmd.AddCommand(channelDropCmd)
	channelCmd.AddCommand(channelListCmd)
}
