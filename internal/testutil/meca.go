// Package testutil provides fixtures shared by the package tests: synthetic
// .meca archives and an in-memory object store gateway with cost accounting.
package testutil

import (
	"archive/zip"
	"bytes"
	"fmt"
)

// MecaArchive builds a minimal valid .meca package whose manifest carries
// the given DOI. The archive contains a manifest.xml plus a filler content
// entry so ranged extraction has something to skip over.
func MecaArchive(doi string) []byte {
	manifest := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<manifest xmlns="http://manuscriptexchange.org/schema/manifest">
  <item type="article-metadata">
    <doi>%s</doi>
  </item>
  <item type="article">
    <instance media-type="application/pdf" href="content/article.pdf"/>
  </item>
</manifest>
`, doi)
	return MecaArchiveWithManifest(manifest)
}

// MecaArchiveWithManifest builds a .meca package with the given manifest.xml
// body verbatim, for malformed-manifest cases.
func MecaArchiveWithManifest(manifest string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("manifest.xml")
	if err != nil {
		panic(err)
	}
	if _, err := w.Write([]byte(manifest)); err != nil {
		panic(err)
	}

	w, err = zw.Create("content/article.pdf")
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(bytes.Repeat([]byte("pdf filler "), 64)); err != nil {
		panic(err)
	}

	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
