package cli

import (
	"github.com/spf13/cobra"

	"seisflow/internal/query"
)

var (
	traceFrom string
	traceTo   string
	traceOpts query.TraceOptions
)

var traceCmd = &cobra.Command{
	Use:   "trace <channel-id>",
	Short: "Assemble a channel over a time range and print a summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTime("from", traceFrom)
		if err != nil {
			return err
		}
		to, err := parseTime("to", traceTo)
		if err != nil {
			return err
		}

		sum, err := getApp().Trace(cmd.Context(), args[0], from, to, traceOpts)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), sum)
	},
}

func init() {
	traceCmd.Flags().StringVar(&traceFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	traceCmd.Flags().StringVar(&traceTo, "to", "", "End timestamp (RFC3339, inclusive)")
	traceCmd.Flags().BoolVar(&traceOpts.GapFill, "gap-fill", false, "Place samples on a regular grid over the range, gaps as NaN")
	traceCmd.Flags().BoolVar(&traceOpts.Trim, "trim", false, "Drop samples outside the range")
	_ = traceCmd.MarkFlagRequired("from")
	_ = traceCmd.MarkFlagRequired("to")
}
