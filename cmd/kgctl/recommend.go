package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emergency-agent/backend/internal/app"
	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/internal/retrieval"
)

type recommendFlags struct {
	magnitude    float64
	area         string
	snippetsFile string
}

func newRecommendCmd() *cobra.Command {
	var f recommendFlags
	cmd := &cobra.Command{
		Use:   "recommend <disaster-type>",
		Short: "Recommend equipment quantities for a disaster profile",
		Long:  "Runs the retrieval, extraction, linking, case write and fusion pipeline and prints the recommendations as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecommend(cmd, args[0], f)
		},
	}
	cmd.Flags().Float64VarP(&f.magnitude, "magnitude", "m", 0, "Disaster magnitude")
	cmd.Flags().StringVarP(&f.area, "area", "a", "", "Affected area")
	cmd.Flags().StringVar(&f.snippetsFile, "snippets", "", "JSON file of case snippets to use instead of the vector index")
	_ = cmd.MarkFlagRequired("magnitude")
	return cmd
}

func runRecommend(cmd *cobra.Command, disasterType string, f recommendFlags) error {
	ctx := cmd.Context()

	var opts []app.Option
	if f.snippetsFile != "" {
		snippets, err := readSnippets(f.snippetsFile)
		if err != nil {
			return err
		}
		opts = append(opts, app.WithSearcher(retrieval.Static{Snippets: snippets}))
	}

	svc, err := loadApp(ctx, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	// The in-memory graph starts empty on every invocation.
	if svc.InMemoryGraph() {
		if err := svc.Seed(ctx, ""); err != nil {
			return fmt.Errorf("seeding graph: %w", err)
		}
	}

	resp, err := svc.Engine.RecommendEquipment(ctx, disasterType, f.magnitude, f.area)
	if err != nil {
		return fmt.Errorf("recommending equipment: %w", err)
	}

	recs := resp.Recommendations
	if recs == nil {
		recs = []models.EquipmentRecommendation{}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(recs); err != nil {
		return fmt.Errorf("encoding recommendations: %w", err)
	}

	r := resp.Report
	fmt.Fprintf(cmd.ErrOrStderr(), "run %s: status=%s snippets=%d cases_written=%d skipped=%d failed_writes=%d mapping_errors=%d\n",
		r.RunID, r.Status, r.Snippets, r.CasesWritten, r.SkippedCases, len(r.FailedWrites), len(r.MappingErrors))
	return nil
}

func readSnippets(path string) ([]models.CaseSnippet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snippets: %w", err)
	}
	var snippets []models.CaseSnippet
	if err := json.Unmarshal(data, &snippets); err != nil {
		return nil, fmt.Errorf("decoding snippets: %w", err)
	}
	return snippets, nil
}
