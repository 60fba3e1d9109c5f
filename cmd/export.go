package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Living-with-machines/alto2txt2fixture/internal/export"
)

var exportDest string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export item fixtures to a Parquet file",
	Long: `Reads every Item chunk file from the fixture output directory and writes
the records to a single snappy-compressed Parquet file, for columnar
queries over the item-level metadata.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		dest := exportDest
		if dest == "" {
			dest = filepath.Join(cfg.OutputDir, "items.parquet")
		}
		rows, err := export.Run(cmd.Context(), cfg.OutputDir, dest, logger)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Printf("export: %d rows written to %s\n", rows, dest)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportDest, "dest", "", "Destination Parquet file (default <output>/items.parquet)")
}
