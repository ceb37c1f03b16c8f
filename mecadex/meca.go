package mecadex

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/flate"
)

// mecaManifestName is the metadata file every .meca package carries at the
// archive root.
const mecaManifestName = "manifest.xml"

// ZIP record signatures and sizes used by the ranged extraction path.
const (
	zipEOCDSig        = 0x06054b50
	zipCentralDirSig  = 0x02014b50
	zipLocalHeaderSig = 0x04034b50

	zipEOCDFixedLen        = 22
	zipCentralDirFixedLen  = 46
	zipLocalHeaderFixedLen = 30

	// zipTailReadLen is how much of the archive tail is read to locate the
	// end-of-central-directory record. Covers the EOCD, its comment, and
	// typically the whole central directory for packages of a few thousand
	// members.
	zipTailReadLen = 64 * 1024
)

// MecaExtractor extracts the DOI from a .meca archival package.
//
// A .meca package is a ZIP archive with a manifest.xml at its root; the
// manifest carries the manuscript's DOI. MecaExtractor implements both the
// full-payload Extractor contract and the ranged RangeExtractor contract.
// The ranged path reads only the ZIP central directory and the manifest
// entry — a few KB instead of a multi-MB archive — and is preferred by the
// builder whenever the gateway supports range reads.
type MecaExtractor struct{}

// NewMecaExtractor creates a .meca manifest extractor.
func NewMecaExtractor() *MecaExtractor {
	return &MecaExtractor{}
}

// Extract parses a full package payload.
func (e *MecaExtractor) Extract(objectBytes []byte) (ExtractedRecord, error) {
	zr, err := zip.NewReader(bytes.NewReader(objectBytes), int64(len(objectBytes)))
	if err != nil {
		return ExtractedRecord{}, fmt.Errorf("%w: not a valid archive: %v", ErrExtraction, err)
	}

	for _, f := range zr.File {
		if f.Name != mecaManifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return ExtractedRecord{}, fmt.Errorf("%w: opening manifest: %v", ErrExtraction, err)
		}
		defer closer(rc)()
		return parseMecaManifest(rc)
	}

	return ExtractedRecord{}, fmt.Errorf("%w: no %s in archive", ErrExtraction, mecaManifestName)
}

// ExtractAt extracts the manifest from the object at key using range reads.
//
// It locates the manifest entry through the ZIP central directory (one tail
// read, usually), then reads and inflates just that entry. Returns the cost
// spent on the ranged reads. ZIP64 archives are not supported on this path;
// callers should fall back to Extract on error.
func (e *MecaExtractor) ExtractAt(ctx context.Context, rf RangeFetcher, key string, size int64) (ExtractedRecord, float64, error) {
	var cost float64

	if size < zipEOCDFixedLen {
		return ExtractedRecord{}, 0, fmt.Errorf("%w: object too small for an archive", ErrExtraction)
	}

	tailLen := int64(zipTailReadLen)
	if tailLen > size {
		tailLen = size
	}
	tailStart := size - tailLen
	tail, c, err := rf.FetchRange(ctx, key, tailStart, tailLen)
	cost += c
	if err != nil {
		return ExtractedRecord{}, cost, err
	}

	eocd := bytes.LastIndex(tail, []byte{0x50, 0x4b, 0x05, 0x06})
	if eocd < 0 || len(tail)-eocd < zipEOCDFixedLen {
		return ExtractedRecord{}, cost, fmt.Errorf("%w: end of central directory not found", ErrExtraction)
	}

	cdSize := int64(binary.LittleEndian.Uint32(tail[eocd+12:]))
	cdOffset := int64(binary.LittleEndian.Uint32(tail[eocd+16:]))
	if cdOffset == 0xFFFFFFFF || cdSize == 0xFFFFFFFF {
		return ExtractedRecord{}, cost, fmt.Errorf("%w: zip64 archive not supported for ranged extraction", ErrExtraction)
	}
	if cdOffset+cdSize > size {
		return ExtractedRecord{}, cost, fmt.Errorf("%w: central directory out of bounds", ErrExtraction)
	}

	var cd []byte
	if cdOffset >= tailStart {
		cd = tail[cdOffset-tailStart : cdOffset-tailStart+cdSize]
	} else {
		cd, c, err = rf.FetchRange(ctx, key, cdOffset, cdSize)
		cost += c
		if err != nil {
			return ExtractedRecord{}, cost, err
		}
	}

	entry, err := findCentralDirEntry(cd, mecaManifestName)
	if err != nil {
		return ExtractedRecord{}, cost, err
	}

	// Local header lengths can differ from the central directory's, so the
	// header is read before the data.
	header, c, err := rf.FetchRange(ctx, key, entry.localOffset, zipLocalHeaderFixedLen)
	cost += c
	if err != nil {
		return ExtractedRecord{}, cost, err
	}
	if len(header) < zipLocalHeaderFixedLen || binary.LittleEndian.Uint32(header) != zipLocalHeaderSig {
		return ExtractedRecord{}, cost, fmt.Errorf("%w: invalid local file header", ErrExtraction)
	}
	nameLen := int64(binary.LittleEndian.Uint16(header[26:]))
	extraLen := int64(binary.LittleEndian.Uint16(header[28:]))
	dataOffset := entry.localOffset + zipLocalHeaderFixedLen + nameLen + extraLen

	data, c, err := rf.FetchRange(ctx, key, dataOffset, entry.compressedSize)
	cost += c
	if err != nil {
		return ExtractedRecord{}, cost, err
	}
	if int64(len(data)) < entry.compressedSize {
		return ExtractedRecord{}, cost, fmt.Errorf("%w: short manifest read", ErrExtraction)
	}

	var manifest io.Reader
	switch entry.method {
	case zip.Store:
		manifest = bytes.NewReader(data)
	case zip.Deflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer closer(fr)()
		manifest = fr
	default:
		return ExtractedRecord{}, cost, fmt.Errorf("%w: unsupported compression method %d", ErrExtraction, entry.method)
	}

	rec, err := parseMecaManifest(manifest)
	return rec, cost, err
}

// centralDirEntry is the subset of a central directory record the ranged
// path needs.
type centralDirEntry struct {
	method         uint16
	compressedSize int64
	localOffset    int64
}

func findCentralDirEntry(cd []byte, name string) (centralDirEntry, error) {
	pos := 0
	for pos+zipCentralDirFixedLen <= len(cd) {
		if binary.LittleEndian.Uint32(cd[pos:]) != zipCentralDirSig {
			break
		}
		nameLen := int(binary.LittleEndian.Uint16(cd[pos+28:]))
		extraLen := int(binary.LittleEndian.Uint16(cd[pos+30:]))
		commentLen := int(binary.LittleEndian.Uint16(cd[pos+32:]))

		end := pos + zipCentralDirFixedLen + nameLen
		if end > len(cd) {
			break
		}
		if string(cd[pos+zipCentralDirFixedLen:end]) == name {
			return centralDirEntry{
				method:         binary.LittleEndian.Uint16(cd[pos+10:]),
				compressedSize: int64(binary.LittleEndian.Uint32(cd[pos+20:])),
				localOffset:    int64(binary.LittleEndian.Uint32(cd[pos+42:])),
			}, nil
		}
		pos = end + extraLen + commentLen
	}
	return centralDirEntry{}, fmt.Errorf("%w: no %s in archive", ErrExtraction, name)
}

// parseMecaManifest pulls the DOI (and a package self reference, when
// present) out of manifest.xml. The search is namespace-agnostic: any
// element with local name "doi" counts, matching the variety of manifest
// schemas observed in the wild.
func parseMecaManifest(r io.Reader) (ExtractedRecord, error) {
	dec := xml.NewDecoder(r)

	var rec ExtractedRecord
	var inDOI bool
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ExtractedRecord{}, fmt.Errorf("%w: parsing manifest: %v", ErrExtraction, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "doi":
				inDOI = true
			case "instance":
				for _, attr := range t.Attr {
					if attr.Name.Local == "href" && strings.HasSuffix(attr.Value, ".meca") {
						rec.ConfirmedKey = path.Base(attr.Value)
					}
				}
			}
		case xml.CharData:
			if inDOI && rec.StableID == "" {
				rec.StableID = strings.TrimSpace(string(t))
			}
		case xml.EndElement:
			if t.Name.Local == "doi" {
				inDOI = false
			}
		}
	}

	if rec.StableID == "" {
		return ExtractedRecord{}, fmt.Errorf("%w: manifest has no doi element", ErrExtraction)
	}
	return rec, nil
}
