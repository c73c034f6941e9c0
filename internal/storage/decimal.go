package storage

import "github.com/shopspring/decimal"

// Dec formats a float as a fixed-precision decimal string (8 places) for
// the persistence boundary.
func Dec(v float64) string {
	return decimal.NewFromFloat(v).Round(8).String()
}

// Dec4 formats a percentage or ratio at 4 places.
func Dec4(v float64) string {
	return decimal.NewFromFloat(v).Round(4).String()
}

// ParseDec converts a persisted decimal string back to a float for
// computation. Malformed input parses as zero.
func ParseDec(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// CmpDec compares two decimal strings without a float round trip.
// Returns -1, 0 or 1.
func CmpDec(a, b string) int {
	da, err := decimal.NewFromString(a)
	if err != nil {
		da = decimal.Zero
	}
	db, err := decimal.NewFromString(b)
	if err != nil {
		db = decimal.Zero
	}
	return da.Cmp(db)
}
