package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Living-with-machines/alto2txt2fixture/internal/fetch"
)

var (
	fetchIndexURLs  []string
	fetchCollection string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download zip archives linked from HTTP index pages",
	Long: `Scans one or more HTML index pages for zip links and downloads the archives
into <mountpoint>/<collection>-alto2txt/metadata/, where the 'run' command
will find them. Archives already present locally are not re-downloaded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		summary, err := fetch.Run(cmd.Context(), cfg, fetch.Options{
			IndexURLs:  fetchIndexURLs,
			Collection: fetchCollection,
			Workers:    cfg.NumWorkers,
		}, logger)
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
		fmt.Printf("fetch: %d discovered, %d downloaded, %d skipped, %d failed\n",
			summary.Discovered, summary.Downloaded, summary.Skipped, summary.Failed)
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringSliceVar(&fetchIndexURLs, "index-url", nil, "HTML index page listing archive links (can specify multiple)")
	fetchCmd.Flags().StringVar(&fetchCollection, "collection", "", "Collection the archives belong to (decides destination directory)")
	fetchCmd.MarkFlagRequired("index-url")
	fetchCmd.MarkFlagRequired("collection")
}
