package mecadex

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
)

// ParquetEntry is the columnar row shape for an exported index.
type ParquetEntry struct {
	StableID   string    `parquet:"stable_id"`
	StorageKey string    `parquet:"storage_key"`
	Partition  string    `parquet:"partition"`
	ObservedAt time.Time `parquet:"observed_at"`
}

// ExportParquet writes the index's entries to w as a Parquet file, rows
// sorted by stable ID. The export is a read-only snapshot for analytical
// tooling; the JSONL segments remain authoritative.
func ExportParquet(w io.Writer, idx *MonthIndex) error {
	if idx == nil {
		return errors.New("mecadex: index must not be nil")
	}

	rows := make([]ParquetEntry, 0, len(idx.Entries))
	for _, rec := range idx.Entries {
		rows = append(rows, ParquetEntry{
			StableID:   rec.StableID,
			StorageKey: rec.StorageKey,
			Partition:  rec.Partition.String(),
			ObservedAt: rec.ObservedAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].StableID < rows[j].StableID
	})

	pw := parquet.NewGenericWriter[ParquetEntry](w)
	if len(rows) > 0 {
		if _, err := pw.Write(rows); err != nil {
			return fmt.Errorf("mecadex: writing parquet rows: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("mecadex: closing parquet writer: %w", err)
	}
	return nil
}
