package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vitalkb/internal/config"
	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
	"github.com/Aman-CERP/vitalkb/internal/store"
	"github.com/Aman-CERP/vitalkb/pkg/version"
)

const coilSource = `id: coil-device
title: Recovery Coil
main_content: |
  The recovery coil delivers a gentle pulsed field.

  Charge the coil overnight before first use.
sections:
  - type: document
    heading: Placement
    content: Position the coil placement marker above the knee joint for best results.
issues:
  - kind: question
    content: Can I wear the coil while sleeping?
    resolution: Yes, the coil shuts off after thirty minutes.
---
id: zinc
title: Zinc Picolinate
main_content: |
  Zinc supports immune function. Take zinc with food to avoid nausea.
`

// testEnv writes a config using an on-disk SQLite store and the static
// embedder under a temp directory and returns its path.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))

	cfg := fmt.Sprintf(`store:
  driver: sqlite
  path: %s
  dimensions: 32
embeddings:
  provider: static
chunking:
  size: 300
  overlap: 50
locks:
  kind: file
  dir: %s
logging:
  level: debug
  file: %s
`, filepath.Join(dir, "kb.db"), filepath.Join(dir, "locks"), filepath.Join(dir, "logs", "vitalkb.log"))

	path := filepath.Join(dir, "vitalkb-test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func ingestFixture(t *testing.T, cfgPath string) {
	t.Helper()
	src := filepath.Join(filepath.Dir(cfgPath), "sources.yaml")
	require.NoError(t, os.WriteFile(src, []byte(coilSource), 0o644))

	out, err := run(t, "--config", cfgPath, "ingest", src)
	require.NoError(t, err)
	require.Contains(t, out, "Ingested coil-device:")
	require.Contains(t, out, "Ingested zinc:")
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")

	require.NoError(t, err)
	assert.Contains(t, out, "vitalkb "+version.Version)
}

func TestVersionCmd_JSON(t *testing.T) {
	out, err := run(t, "version", "--json")
	require.NoError(t, err)

	var info version.BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "vitalkb", info.Name)
}

func TestRootCmd_InvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunking:\n  overlap: 5000\n"), 0o644))

	_, err := run(t, "--config", path, "search", "zinc")

	assert.ErrorContains(t, err, "chunking.overlap")
}

func TestIngestAndSearch(t *testing.T) {
	// Given: two sources ingested from one multi-document file
	cfgPath := testEnv(t)
	ingestFixture(t, cfgPath)

	// When: searching for a phrase covered by a boost rule
	out, err := run(t, "--config", cfgPath, "search", "coil placement")

	// Then: the placement passage ranks first
	require.NoError(t, err)
	assert.Contains(t, out, "## Knowledge Results for \"coil placement\"")
	assert.Contains(t, out, "### 1. coil-device > Placement")
}

func TestSearchCmd_JSONAndSectionFilter(t *testing.T) {
	cfgPath := testEnv(t)
	ingestFixture(t, cfgPath)

	out, err := run(t, "--config", cfgPath, "search", "zinc food", "--format", "json", "--section", "main_content")
	require.NoError(t, err)

	var results []store.SearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.NotEmpty(t, results)
	assert.Equal(t, "zinc", results[0].SourceID)
	for _, r := range results {
		assert.Equal(t, store.SectionMainContent, r.SectionType)
	}
}

func TestSearchCmd_InvalidFormat(t *testing.T) {
	cfgPath := testEnv(t)

	_, err := run(t, "--config", cfgPath, "search", "zinc", "--format", "xml")

	assert.ErrorContains(t, err, "invalid format")
}

func TestReprocessCmd(t *testing.T) {
	cfgPath := testEnv(t)
	ingestFixture(t, cfgPath)

	t.Run("all sources", func(t *testing.T) {
		out, err := run(t, "--config", cfgPath, "reprocess")

		require.NoError(t, err)
		assert.Contains(t, out, "Content:\n  Processed: 2")
		assert.Contains(t, out, "Issues:\n  Processed: 1\n  Skipped:   1")
		assert.NotContains(t, out, "Failed:    1")

		// Issue chunks cleared by the content rebuild are back
		out, err = run(t, "--config", cfgPath, "search", "coil sleeping",
			"--format", "json", "--section", store.SectionIssuesResolutions)
		require.NoError(t, err)
		var results []store.SearchResult
		require.NoError(t, json.Unmarshal([]byte(out), &results))
		require.NotEmpty(t, results)
		assert.Equal(t, "coil-device", results[0].SourceID)
	})

	t.Run("issues", func(t *testing.T) {
		out, err := run(t, "--config", cfgPath, "reprocess", "--issues")

		require.NoError(t, err)
		assert.NotContains(t, out, "Content:")
		assert.Contains(t, out, "Processed: 1")
		assert.Contains(t, out, "Skipped:   1")
	})

	t.Run("one source", func(t *testing.T) {
		out, err := run(t, "--config", cfgPath, "reprocess", "zinc")

		require.NoError(t, err)
		assert.Contains(t, out, "Reprocessed zinc:")
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := run(t, "--config", cfgPath, "reprocess", "ghost")

		assert.Error(t, err)
	})
}

func TestDeleteCmd(t *testing.T) {
	// Given: ingested sources
	cfgPath := testEnv(t)
	ingestFixture(t, cfgPath)

	// When: deleting one
	out, err := run(t, "--config", cfgPath, "delete", "zinc")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted zinc")

	// Then: it no longer appears in results
	out, err = run(t, "--config", cfgPath, "search", "zinc", "--format", "json")
	require.NoError(t, err)
	var results []store.SearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	for _, r := range results {
		assert.NotEqual(t, "zinc", r.SourceID)
	}
}

func TestMigrateCmd_SQLite(t *testing.T) {
	cfgPath := testEnv(t)

	out, err := run(t, "--config", cfgPath, "migrate")

	require.NoError(t, err)
	assert.Contains(t, out, "SQLite schema is up to date")
}

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()

	t.Run("defaults to active", func(t *testing.T) {
		path := filepath.Join(dir, "ok.yaml")
		require.NoError(t, os.WriteFile(path, []byte(coilSource+"---\nid: old\nactive: false\n"), 0o644))

		sources, err := loadSources(path)

		require.NoError(t, err)
		require.Len(t, sources, 3)
		assert.True(t, sources[0].Active)
		assert.Equal(t, store.IssueKindQuestion, sources[0].Issues[0].Kind)
		assert.Equal(t, "Placement", sources[0].Sections[0].Heading)
		assert.False(t, sources[2].Active)
	})

	t.Run("missing id", func(t *testing.T) {
		path := filepath.Join(dir, "noid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("title: nothing\n"), 0o644))

		_, err := loadSources(path)

		assert.ErrorContains(t, err, "has no id")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadSources(filepath.Join(dir, "nope.yaml"))

		assert.Error(t, err)
	})
}

func TestSearchCmd_JSONErrorOnStdout(t *testing.T) {
	cfgPath := testEnv(t)

	out, err := run(t, "--config", cfgPath, "search", "   ", "--format", "json")
	require.Error(t, err)

	var payload struct {
		Code     string `json:"code"`
		Category string `json:"category"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, kberrors.ErrCodeQueryEmpty, payload.Code)
	assert.Equal(t, string(kberrors.CategoryValidation), payload.Category)
}

func TestSearchCmd_InvalidThreshold(t *testing.T) {
	cfgPath := testEnv(t)

	_, err := run(t, "--config", cfgPath, "search", "zinc", "--threshold", "1.5")

	assert.ErrorContains(t, err, "invalid threshold")
}

func TestConfigCmd(t *testing.T) {
	cfgPath := testEnv(t)
	dir := filepath.Dir(cfgPath)

	t.Run("init writes loadable defaults", func(t *testing.T) {
		path := filepath.Join(dir, "fresh", "vitalkb.yaml")

		out, err := run(t, "config", "init", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Wrote "+path)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, config.NewConfig().Retrieval, cfg.Retrieval)

		_, err = run(t, "config", "init", path)
		assert.ErrorContains(t, err, "already exists")

		_, err = run(t, "config", "init", path, "--force")
		assert.NoError(t, err)
	})

	t.Run("init defaults to the user config", func(t *testing.T) {
		out, err := run(t, "config", "init")
		require.NoError(t, err)
		assert.Contains(t, out, config.GetUserConfigPath())
		assert.FileExists(t, config.GetUserConfigPath())
	})

	t.Run("path", func(t *testing.T) {
		out, err := run(t, "config", "path")
		require.NoError(t, err)
		assert.Equal(t, config.GetUserConfigPath()+"\n", out)
	})

	t.Run("show masks secrets", func(t *testing.T) {
		t.Setenv("VITALKB_EMBEDDINGS_API_KEY", "sk-secret")

		out, err := run(t, "--config", cfgPath, "config", "show")
		require.NoError(t, err)
		assert.Contains(t, out, "provider: static")
		assert.NotContains(t, out, "sk-secret")

		out, err = run(t, "--config", cfgPath, "config", "show", "--json")
		require.NoError(t, err)
		var shown map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &shown))
		assert.Contains(t, shown, "retrieval")
		assert.NotContains(t, out, "sk-secret")
	})
}
