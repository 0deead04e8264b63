package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	coverid "github.com/menta2k/cover-identifier"
	"github.com/menta2k/cover-identifier/internal/config"
	"github.com/menta2k/cover-identifier/internal/store"
	"github.com/menta2k/cover-identifier/internal/utils"
	"github.com/menta2k/cover-identifier/pkg/catalog"
	"github.com/menta2k/cover-identifier/pkg/index"
	"github.com/menta2k/cover-identifier/pkg/label"
)

func newCatalogCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and convert the reference catalog",
	}
	cmd.AddCommand(newCatalogInspectCommand(ctx))
	cmd.AddCommand(newCatalogImportCommand(ctx))
	cmd.AddCommand(newCatalogExportCommand(ctx))
	cmd.AddCommand(newCatalogNeighborsCommand(ctx))
	return cmd
}

func newCatalogInspectCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show catalog statistics and the first labels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cat, err := coverid.LoadCatalog(cmd.Context(), cfg)
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderStats(cfg, cat))
			if limit > 0 && cat.Len() > 0 {
				fmt.Fprintln(out, renderLabels(cat, limit))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "labels", "n", 10, "Number of labels to list")
	return cmd
}

func renderStats(cfg *config.Config, cat *catalog.Catalog) string {
	s := cat.Stats()
	rows := [][]string{
		{"Source", cat.Source()},
		{"Format", cfg.Catalog.Format},
	}
	if size, ok := catalogSize(cfg); ok {
		rows = append(rows, []string{"Size", utils.FormatFileSize(size)})
	}
	rows = append(rows,
		[]string{"Entries", strconv.Itoa(s.Entries)},
		[]string{"Dimension", strconv.Itoa(s.Dim)},
		[]string{"Min norm", fmt.Sprintf("%.4f", s.MinNorm)},
		[]string{"Max norm", fmt.Sprintf("%.4f", s.MaxNorm)},
		[]string{"Mean norm", fmt.Sprintf("%.4f", s.MeanNorm)},
		[]string{"Malformed labels", strconv.Itoa(s.Malformed)},
	)
	return renderTable([]string{"Property", "Value"}, rows, nil)
}

func renderLabels(cat *catalog.Catalog, limit int) string {
	n := min(limit, cat.Len())
	rows := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		raw := cat.Label(i)
		album, artist := "", ""
		if parsed, err := label.Decode(raw); err == nil {
			album, artist = parsed.Album, parsed.Artist
		} else {
			album = "(malformed)"
		}
		rows = append(rows, []string{strconv.Itoa(i), raw, album, artist})
	}
	return renderTable([]string{"#", "Label", "Album", "Artist"}, rows, []columnAlignment{alignRight})
}

// catalogSize reports the on-disk size of file based catalogs
func catalogSize(cfg *config.Config) (int64, bool) {
	var path string
	switch cfg.Catalog.Format {
	case "npy":
		path = cfg.Catalog.Embeddings
	case "sqlite":
		path = cfg.Catalog.Path
	default:
		return 0, false
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

func newCatalogImportCommand(ctx *commandContext) *cobra.Command {
	var dsn, table string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Copy the configured npy or sqlite catalog into a pgvector table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Catalog.Format == "postgres" {
				return usageError("catalog.format is already postgres; point --config at the npy or sqlite source")
			}
			if dsn == "" {
				dsn = cfg.Catalog.DSN
			}
			if dsn == "" {
				return usageError("--dsn is required when catalog.dsn is not set")
			}
			if table == "" {
				table = cfg.Catalog.Table
			}

			cat, err := coverid.LoadCatalog(cmd.Context(), cfg)
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}

			s, err := store.New(cmd.Context(), dsn, table)
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}
			defer s.Close()

			if err := s.Replace(cmd.Context(), cat); err != nil {
				return &exitError{code: exitFailure, err: fmt.Errorf("import into %s: %w", table, err)}
			}
			log.Info("catalog imported", zap.String("source", cat.Source()), zap.String("table", table), zap.Int("entries", cat.Len()))
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries into %s\n", cat.Len(), table)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL connection string (default: catalog.dsn)")
	cmd.Flags().StringVar(&table, "table", "", "Destination table (default: catalog.table)")
	return cmd
}

func newCatalogExportCommand(ctx *commandContext) *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "export <file.db>",
		Short: "Write the configured catalog to a SQLite database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if table == "" {
				table = cfg.Catalog.Table
			}

			cat, err := coverid.LoadCatalog(cmd.Context(), cfg)
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}
			if err := catalog.WriteSQLite(cmd.Context(), args[0], table, cat); err != nil {
				return &exitError{code: exitFailure, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d entries to %s\n", cat.Len(), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "Destination table (default: catalog.table)")
	return cmd
}

func newCatalogNeighborsCommand(ctx *commandContext) *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "neighbors <index>",
		Short: "List the entries most similar to a catalog entry",
		Long: `Score every catalog entry against entry <index> and list the closest ones.
Scores near 1 usually mean the same cover was added twice.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cat, err := coverid.LoadCatalog(cmd.Context(), cfg)
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}
			i, err := strconv.Atoi(args[0])
			if err != nil || i < 0 || i >= cat.Len() {
				return usageError("index must be between 0 and %d, got %q", cat.Len()-1, args[0])
			}

			scores, err := index.NewLinear(cat).Scores(cat.Embedding(i))
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderNeighbors(cat, i, scores, k))
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "count", "k", 5, "Number of neighbors to list")
	return cmd
}

// renderNeighbors lists the k best scoring entries other than self, ties
// in catalog order.
func renderNeighbors(cat *catalog.Catalog, self int, scores []float64, k int) string {
	order := make([]int, 0, len(scores))
	for j := range scores {
		if j != self {
			order = append(order, j)
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	if k < len(order) {
		order = order[:max(k, 0)]
	}

	rows := make([][]string, 0, len(order))
	for _, j := range order {
		rows = append(rows, []string{strconv.Itoa(j), cat.Label(j), fmt.Sprintf("%.4f", scores[j])})
	}
	return renderTable([]string{"#", "Label", "Score"}, rows, []columnAlignment{alignRight, alignLeft, alignRight})
}
