package cli

import (
	"github.com/spf13/cobra"

	"seisflow/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stream server with live ingestion and detection",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context(), app.ServeOptions{})
	},
}
