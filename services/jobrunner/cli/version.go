package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ramiqadoumi/go-ingest-flow/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := version.Get()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "jobrunner %s\n", info.Version)
		fmt.Fprintf(out, "  commit:     %s\n", info.GitCommit)
		fmt.Fprintf(out, "  built:      %s\n", info.BuildTime)
		fmt.Fprintf(out, "  go version: %s\n", info.GoVersion)
	},
}
