package mcp

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/vitalkb/internal/store"
)

// FormatSearchResults renders ranked chunks as markdown.
func FormatSearchResults(query string, results []store.SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for \"%s\"", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Knowledge Results for \"%s\"\n\n", query)
	fmt.Fprintf(&sb, "Found %d result", len(results))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range results {
		formatResult(&sb, i+1, r)
	}
	return sb.String()
}

func formatResult(sb *strings.Builder, n int, r store.SearchResult) {
	title := r.SourceID
	if r.Heading != "" {
		title += " > " + r.Heading
	}
	fmt.Fprintf(sb, "### %d. %s\n\n", n, title)
	fmt.Fprintf(sb, "**Section:** %s | **Score:** %.2f\n\n", sectionOrDefault(r.SectionType), r.Similarity)
	sb.WriteString(strings.TrimSpace(r.Text))
	sb.WriteString("\n\n")
}

func sectionOrDefault(s string) string {
	if s == "" {
		return store.SectionMainContent
	}
	return s
}

// FormatReprocessResult renders the outcome of a reprocess_source call.
func FormatReprocessResult(sourceID string, chunks int) string {
	return fmt.Sprintf("Reprocessed source %s: %d chunk(s) written.", sourceID, chunks)
}
