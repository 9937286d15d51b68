package cli

import (
	"github.com/spf13/cobra"

	"seisflow/internal/app"
)

var (
	exportFrom     string
	exportTo       string
	exportChannels []string
	exportPath     string
	exportUpload   bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored chunks to Parquet and optionally upload to S3",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTime("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTime("to", exportTo)
		if err != nil {
			return err
		}

		report, err := getApp().Export(cmd.Context(), app.ExportOptions{
			Channels: exportChannels,
			From:     from,
			To:       to,
			Path:     exportPath,
			Upload:   exportUpload,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringSliceVar(&exportChannels, "channel", nil, "Channel ids to export (repeatable; default all)")
	exportCmd.Flags().StringVar(&exportPath, "out", "", "Output file (defaults to a generated name under archive.dir)")
	exportCmd.Flags().BoolVar(&exportUpload, "upload", false, "Upload the file to the configured S3 bucket")
	_ = exportCmd.MarkFlagRequired("from")
	_ = exportCmd.MarkFlagRequired("to")
}
