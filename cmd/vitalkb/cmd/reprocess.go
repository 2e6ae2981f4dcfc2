package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vitalkb/internal/pipeline"
)

func newReprocessCmd(opts *rootOptions) *cobra.Command {
	var issues bool

	cmd := &cobra.Command{
		Use:   "reprocess [source-id]",
		Short: "Rebuild chunks and embeddings",
		Long: `Rebuild chunks and embeddings from stored sources.

With a source id, that source's content and issues are rebuilt. Without
one, every active source is rebuilt: content first, which also clears its
issue chunks, then issues and resolutions. --issues rebuilds only the
issues. A failing source is reported and the run continues.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				n, err := a.pipeline.ReprocessSource(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Reprocessed %s: %d chunks\n", args[0], n)
				return nil
			}

			var failed, total int
			if !issues {
				stats, err := a.pipeline.ReprocessAllContent(ctx)
				fmt.Fprintln(out, "Content:")
				printStats(out, stats)
				if err != nil {
					return err
				}
				failed += stats.Failed
				total += stats.Total()
			}

			stats, err := a.pipeline.ReprocessAllIssues(ctx)
			fmt.Fprintln(out, "Issues:")
			printStats(out, stats)
			if err != nil {
				return err
			}
			failed += stats.Failed
			total += stats.Total()

			if failed > 0 {
				return fmt.Errorf("%d of %d source runs failed, see the log for details", failed, total)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&issues, "issues", false, "Rebuild only issues and resolutions")
	return cmd
}

func printStats(w io.Writer, s pipeline.Stats) {
	fmt.Fprintf(w, "  Processed: %d\n  Skipped:   %d\n  Failed:    %d\n  Chunks:    %d\n  Duration:  %s\n",
		s.Processed, s.Skipped, s.Failed, s.Chunks, s.Duration.Round(time.Millisecond))
}
