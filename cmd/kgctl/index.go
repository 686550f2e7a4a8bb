package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emergency-agent/backend/internal/ingestion"
)

var indexDomain string

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index <file>...",
		Short: "Chunk, embed and store case reports in the vector index",
		Long:  "Reads plain text or HTML case reports and stores their chunks in Zilliz. The file name without extension is the report source id.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIndex,
	}
	cmd.Flags().StringVar(&indexDomain, "domain", "", "Retrieval domain tag (default: pipeline.retrieval_domain)")
	return cmd
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	svc, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if svc.Indexer == nil {
		return errors.New("vector index is disabled; set zilliz.enabled to index reports")
	}

	for _, path := range args {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		sourceID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		n, err := svc.Indexer.ProcessReport(ctx, ingestion.Report{
			SourceID: sourceID,
			Content:  string(content),
			Domain:   indexDomain,
		})
		if err != nil {
			return fmt.Errorf("indexing %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %s as %s (%d chunks)\n", path, sourceID, n)
	}
	return nil
}
