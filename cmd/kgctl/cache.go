package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the embedding cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate",
		Short: "Drop cached embeddings for the configured embedding model",
		Long:  "Run after changing llm.embeddingModel or the seed aliases so node vectors are recomputed.",
		Args:  cobra.NoArgs,
		RunE:  runCacheInvalidate,
	})
	return cmd
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	svc, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if svc.Cache == nil {
		return errors.New("embedding cache is disabled; set redis.enabled")
	}

	n, err := svc.Cache.InvalidateEmbeddings(ctx, svc.Config.LLM.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("invalidating embeddings: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached embeddings\n", n)
	return nil
}
