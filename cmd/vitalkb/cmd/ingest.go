package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/vitalkb/internal/store"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file.yaml>...",
		Short: "Ingest knowledge sources from YAML files",
		Long: `Ingest one or more YAML files. Each file holds one or more YAML
documents, one source per document:

  id: zinc-picolinate
  title: Zinc Picolinate
  main_content: |
    Zinc supports immune function...
  sections:
    - type: document
      heading: Label
      content: ...
  issues:
    - kind: question
      content: Can I take it on an empty stomach?
      resolution: Take it with food to avoid nausea.

Sources are active unless "active: false" is set. Re-ingesting a source
replaces its chunks.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, path := range args {
				sources, err := loadSources(path)
				if err != nil {
					return err
				}
				for _, src := range sources {
					n, err := a.pipeline.IngestSource(ctx, src)
					if err != nil {
						return fmt.Errorf("ingest %s: %w", src.ID, err)
					}
					fmt.Fprintf(out, "Ingested %s: %d chunks\n", src.ID, n)
				}
			}
			return nil
		},
	}
}

// loadSources decodes every YAML document in path into a source.
func loadSources(path string) ([]*store.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var sources []*store.Source
	dec := yaml.NewDecoder(f)
	for {
		src := &store.Source{Active: true}
		if err := dec.Decode(src); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		src.ID = strings.TrimSpace(src.ID)
		if src.ID == "" {
			return nil, fmt.Errorf("parse %s: document %d has no id", path, len(sources)+1)
		}
		sources = append(sources, src)
	}

	slog.Debug("sources_loaded", slog.String("path", path), slog.Int("count", len(sources)))
	return sources, nil
}
