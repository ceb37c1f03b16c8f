package mecadex

import (
	"bufio"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

const maxScanTokenSize = 10 * 1024 * 1024 // 10MB

// encodeRecords writes records as JSON Lines, one record per line.
func encodeRecords(w io.Writer, records []ManuscriptRecord) error {
	enc := jsonCodec.NewEncoder(w)
	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			return err
		}
	}
	return nil
}

// decodeRecords reads JSON Lines records, skipping blank lines.
func decodeRecords(r io.Reader) ([]ManuscriptRecord, error) {
	var records []ManuscriptRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record ManuscriptRecord
		if err := jsonCodec.Unmarshal(line, &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
