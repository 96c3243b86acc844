package audit

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Export writes the entries with from <= seq <= to to w in the given format.
// to == 0 means up to the current tail.
// Supported formats: "jsonl" (default), "json", "csv".
func (l *Log) Export(ctx context.Context, w io.Writer, format string, from, to uint64) error {
	entries, err := l.ExportRange(ctx, from, to)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}
	return WriteEntries(w, format, entries)
}

// WriteEntries encodes entries to w in the given format.
func WriteEntries(w io.Writer, format string, entries []Entry) error {
	switch format {
	case "json":
		if entries == nil {
			entries = []Entry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"seq", "ts", "message", "hash", "signature"}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				strconv.FormatUint(e.Seq, 10),
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.Message,
				hex.EncodeToString(e.Hash),
				hex.EncodeToString(e.Signature),
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
