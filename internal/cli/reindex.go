package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/support-memory/internal/embedding"
	"github.com/rcliao/support-memory/internal/memstore"
)

func init() {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-embed every solution with the configured embedder",
		Long:  "Required after changing the embedding provider or model. Records the new embedder in the database.",
		Run:   runReindex,
	}

	RootCmd.AddCommand(cmd)
}

func runReindex(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	log := newLogger(cfg)
	defer log.Sync()

	s, _ := openStore()
	defer s.Close()

	emb, err := embedding.New(cfg.Embedding, cfg.Extractor.RetryAttempts, cfg.Extractor.RetryInitial)
	if err != nil {
		exitErr("embedder", err)
	}

	n, err := memstore.Reindex(cmd.Context(), s, emb, log)
	if err != nil {
		exitErr("reindex", err)
	}
	fmt.Printf(`{"ok":true,"reindexed":%d,"embedder":%q}`+"\n", n, emb.Name())
}
