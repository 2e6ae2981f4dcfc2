package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
	"github.com/Aman-CERP/vitalkb/internal/mcp"
	"github.com/Aman-CERP/vitalkb/internal/search"
)

// searchFlags holds CLI flags for search.
type searchFlags struct {
	limit     int
	threshold float64
	sections  []string
	format    string // "text", "json"
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var flags searchFlags

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base",
		Long: `Search the knowledge base with hybrid retrieval.

Keyword matches and semantic matches are merged by weighted fusion.
If the embedding service is unavailable the keyword results are still
returned.

Examples:
  vitalkb search "where should I place the coil"
  vitalkb search "zinc nausea" --limit 5 --format json
  vitalkb search "charging" --section document`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			query := strings.Join(args, " ")

			if flags.format != "text" && flags.format != "json" {
				return fmt.Errorf("invalid format %q: use text or json", flags.format)
			}
			if flags.threshold < 0 || flags.threshold > 1 {
				return fmt.Errorf("invalid threshold %v: must be between 0 and 1", flags.threshold)
			}

			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			searchOpts := search.SearchOptions{
				Limit:        flags.limit,
				SectionTypes: flags.sections,
			}
			if cmd.Flags().Changed("threshold") {
				searchOpts.Threshold = &flags.threshold
			}

			start := time.Now()
			results, err := a.engine.Search(ctx, query, searchOpts)
			if err != nil {
				if flags.format == "json" {
					writeJSONError(cmd.OutOrStdout(), err)
				}
				return err
			}
			slog.Info("search_complete",
				slog.String("query", query),
				slog.Int("results", len(results)),
				slog.Duration("duration", time.Since(start)))

			if flags.format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), mcp.FormatSearchResults(query, results))
			return err
		},
	}

	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 0, "Maximum number of results (default from config)")
	cmd.Flags().Float64Var(&flags.threshold, "threshold", 0, "Minimum semantic similarity (default from config)")
	cmd.Flags().StringSliceVarP(&flags.sections, "section", "s", nil, "Only return these section types (repeatable)")
	cmd.Flags().StringVarP(&flags.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

// writeJSONError puts a machine-readable error on stdout for --format json.
// The human-readable form still goes to stderr.
func writeJSONError(w io.Writer, err error) {
	data, jerr := kberrors.FormatJSON(err)
	if jerr != nil {
		return
	}
	fmt.Fprintln(w, string(data))
}
