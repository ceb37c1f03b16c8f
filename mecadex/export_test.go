package mecadex_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/pithecene-io/mecadex/mecadex"
)

func TestExportParquet_RoundTrip(t *testing.T) {
	partition := mecadex.PartitionKey{Year: 2024, Month: time.January}
	idx := mecadex.NewMonthIndex(partition)
	observed := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	idx.Merge(mecadex.ManuscriptRecord{
		StableID:   "10.1101/222",
		StorageKey: partition.Prefix() + "bb.meca",
		Partition:  partition,
		ObservedAt: observed,
	})
	idx.Merge(mecadex.ManuscriptRecord{
		StableID:   "10.1101/111",
		StorageKey: partition.Prefix() + "aa.meca",
		Partition:  partition,
		ObservedAt: observed,
	})

	var buf bytes.Buffer
	if err := mecadex.ExportParquet(&buf, idx); err != nil {
		t.Fatalf("ExportParquet failed: %v", err)
	}

	rows, err := parquet.Read[mecadex.ParquetEntry](bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("reading parquet back: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	// Rows are sorted by stable ID.
	if rows[0].StableID != "10.1101/111" || rows[1].StableID != "10.1101/222" {
		t.Errorf("rows out of order: %q, %q", rows[0].StableID, rows[1].StableID)
	}
	if rows[0].StorageKey != partition.Prefix()+"aa.meca" {
		t.Errorf("StorageKey = %q", rows[0].StorageKey)
	}
	if rows[0].Partition != "January_2024" {
		t.Errorf("Partition = %q", rows[0].Partition)
	}
}

func TestExportParquet_EmptyIndex(t *testing.T) {
	idx := mecadex.NewMonthIndex(mecadex.PartitionKey{Year: 2024, Month: time.June})

	var buf bytes.Buffer
	if err := mecadex.ExportParquet(&buf, idx); err != nil {
		t.Fatalf("ExportParquet failed on empty index: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("an empty export should still be a valid parquet file")
	}
}

func TestExportParquet_NilIndex(t *testing.T) {
	var buf bytes.Buffer
	if err := mecadex.ExportParquet(&buf, nil); err == nil {
		t.Error("expected an error for a nil index")
	}
}
