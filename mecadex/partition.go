package mecadex

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// storeRootPrefix is the folder holding month-partitioned packages.
const storeRootPrefix = "Current_Content"

// monthlyLayoutEpoch is the first month stored under the month-partitioned
// layout. Earlier packages live in batch folders with no month prefix.
var monthlyLayoutEpoch = PartitionKey{Year: 2018, Month: time.December}

// PartitionKey identifies one indexable month of the store. Immutable value
// type; the zero value is not a valid partition.
type PartitionKey struct {
	Year  int
	Month time.Month
}

// PartitionForDate maps a publication date to its partition.
//
// The rule is fixed: partition = (year, calendar month) of the date
// interpreted as a civil date. No timezone conversion is applied — the
// metadata service reports plain YYYY-MM-DD dates and the store's folder
// names follow the same calendar.
//
// Dates before December 2018 return ErrBeforeMonthlyLayout.
func PartitionForDate(date time.Time) (PartitionKey, error) {
	p := PartitionKey{Year: date.Year(), Month: date.Month()}
	if p.before(monthlyLayoutEpoch) {
		return PartitionKey{}, fmt.Errorf("%w: %s", ErrBeforeMonthlyLayout, date.Format("2006-01-02"))
	}
	return p, nil
}

// ParsePartitionKey parses the store's folder form, e.g. "January_2024".
func ParsePartitionKey(s string) (PartitionKey, error) {
	name, year, ok := strings.Cut(s, "_")
	if !ok {
		return PartitionKey{}, fmt.Errorf("mecadex: invalid partition key %q", s)
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return PartitionKey{}, fmt.Errorf("mecadex: invalid partition year in %q", s)
	}
	for m := time.January; m <= time.December; m++ {
		if m.String() == name {
			return PartitionKey{Year: y, Month: m}, nil
		}
	}
	return PartitionKey{}, fmt.Errorf("mecadex: invalid partition month in %q", s)
}

// String returns the store's folder form, e.g. "January_2024".
func (p PartitionKey) String() string {
	return fmt.Sprintf("%s_%d", p.Month, p.Year)
}

// Prefix returns the object-store listing prefix for the partition.
func (p PartitionKey) Prefix() string {
	return storeRootPrefix + "/" + p.String() + "/"
}

// DirectObjectKey returns the key a package would have if it were named
// after its DOI instead of a GUID. Some months predate the GUID renaming,
// so probing this key can resolve a request without any index cost.
func (p PartitionKey) DirectObjectKey(stableID string) string {
	return p.Prefix() + strings.ReplaceAll(stableID, "/", "_") + ".meca"
}

// IsZero reports whether the key is the zero value.
func (p PartitionKey) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// MarshalText implements encoding.TextMarshaler using the folder form.
func (p PartitionKey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PartitionKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePartitionKey(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p PartitionKey) before(other PartitionKey) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}
