// Package logging configures slog for vitalkb: JSON records written to a
// size-rotated file under ~/.vitalkb/logs, optionally mirrored to stderr.
// Server mode never writes to stderr or stdout so the MCP stream stays clean.
package logging
