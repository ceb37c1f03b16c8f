package mecadex_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/pithecene-io/mecadex/internal/testutil"
	"github.com/pithecene-io/mecadex/mecadex"
)

func TestMecaExtractor_Extract_FindsDOI(t *testing.T) {
	const doi = "10.1101/2023.12.11.571168"
	archive := testutil.MecaArchive(doi)

	rec, err := mecadex.NewMecaExtractor().Extract(archive)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if rec.StableID != doi {
		t.Errorf("StableID = %q, want %q", rec.StableID, doi)
	}
}

func TestMecaExtractor_Extract_ConfirmedKey(t *testing.T) {
	manifest := `<?xml version="1.0"?>
<manifest>
  <item><doi>10.1101/123</doi></item>
  <item><instance media-type="application/zip" href="packages/aabbccdd-1234.meca"/></item>
</manifest>`
	archive := testutil.MecaArchiveWithManifest(manifest)

	rec, err := mecadex.NewMecaExtractor().Extract(archive)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if rec.ConfirmedKey != "aabbccdd-1234.meca" {
		t.Errorf("ConfirmedKey = %q, want %q", rec.ConfirmedKey, "aabbccdd-1234.meca")
	}
}

func TestMecaExtractor_Extract_NotAnArchive(t *testing.T) {
	_, err := mecadex.NewMecaExtractor().Extract([]byte("definitely not a zip"))
	if !errors.Is(err, mecadex.ErrExtraction) {
		t.Errorf("expected ErrExtraction, got: %v", err)
	}
}

func TestMecaExtractor_Extract_NoManifest(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("content/article.pdf")
	_, _ = w.Write([]byte("pdf"))
	_ = zw.Close()

	_, err := mecadex.NewMecaExtractor().Extract(buf.Bytes())
	if !errors.Is(err, mecadex.ErrExtraction) {
		t.Errorf("expected ErrExtraction, got: %v", err)
	}
}

func TestMecaExtractor_Extract_ManifestWithoutDOI(t *testing.T) {
	archive := testutil.MecaArchiveWithManifest(`<?xml version="1.0"?><manifest><item/></manifest>`)
	_, err := mecadex.NewMecaExtractor().Extract(archive)
	if !errors.Is(err, mecadex.ErrExtraction) {
		t.Errorf("expected ErrExtraction, got: %v", err)
	}
}

func TestMecaExtractor_ExtractAt_MatchesFullExtract(t *testing.T) {
	const doi = "10.1101/2024.01.02.573456"
	archive := testutil.MecaArchive(doi)

	store := testutil.NewFakeStore()
	store.Add("pkg.meca", archive)

	extractor := mecadex.NewMecaExtractor()
	full, err := extractor.Extract(archive)
	if err != nil {
		t.Fatal(err)
	}

	ranged, cost, err := extractor.ExtractAt(context.Background(), store, "pkg.meca", int64(len(archive)))
	if err != nil {
		t.Fatalf("ExtractAt failed: %v", err)
	}
	if ranged != full {
		t.Errorf("ranged record %+v differs from full record %+v", ranged, full)
	}
	if cost <= 0 {
		t.Errorf("ExtractAt reported no cost")
	}
}

func TestMecaExtractor_ExtractAt_CheaperThanFullFetch(t *testing.T) {
	const doi = "10.1101/2024.03.04.575000"
	archive := paddedMecaArchive(t, doi, 512*1024)

	store := testutil.NewFakeStore()
	store.ByteCost = 0.001
	store.Add("big.meca", archive)

	extractor := mecadex.NewMecaExtractor()
	ctx := context.Background()

	rec, rangedCost, err := extractor.ExtractAt(ctx, store, "big.meca", int64(len(archive)))
	if err != nil {
		t.Fatalf("ExtractAt failed: %v", err)
	}
	if rec.StableID != doi {
		t.Errorf("StableID = %q, want %q", rec.StableID, doi)
	}

	_, fullCost, err := store.Fetch(ctx, "big.meca")
	if err != nil {
		t.Fatal(err)
	}
	if rangedCost >= fullCost {
		t.Errorf("ranged cost %v not cheaper than full fetch cost %v", rangedCost, fullCost)
	}
}

func TestMecaExtractor_ExtractAt_TooSmall(t *testing.T) {
	store := testutil.NewFakeStore()
	store.Add("tiny.meca", []byte("x"))

	_, _, err := mecadex.NewMecaExtractor().ExtractAt(context.Background(), store, "tiny.meca", 1)
	if !errors.Is(err, mecadex.ErrExtraction) {
		t.Errorf("expected ErrExtraction, got: %v", err)
	}
}

// paddedMecaArchive builds an archive whose content entry is large and
// incompressible enough that the archive dwarfs its manifest.
func paddedMecaArchive(t *testing.T, doi string, fillerLen int) []byte {
	t.Helper()

	filler := make([]byte, fillerLen)
	for i := range filler {
		filler[i] = byte(i*7 + i/251)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("manifest.xml")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(w, `<?xml version="1.0"?><manifest><item><doi>%s</doi></item></manifest>`, doi)

	hw, err := zw.CreateHeader(&zip.FileHeader{Name: "content/data.bin", Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := hw.Write(filler); err != nil {
		t.Fatal(err)
	}

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
