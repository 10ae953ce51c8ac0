// Package cell provides spreadsheet coordinate conversions and cell keys.
package cell

import (
	"fmt"
	"strconv"
	"strings"
)

// IndexToColumn converts a 0-based column index to its letter form using
// bijective base-26: 0→"A", 25→"Z", 26→"AA", 701→"ZZ".
func IndexToColumn(index int) string {
	if index < 0 {
		return ""
	}
	var b []byte
	n := index
	for {
		b = append([]byte{byte('A' + n%26)}, b...)
		n = n/26 - 1
		if n < 0 {
			break
		}
	}
	return string(b)
}

// ColumnToIndex converts a column letter form back to its 0-based index.
// It is the inverse of IndexToColumn for all non-negative indices.
func ColumnToIndex(column string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(column))
	if s == "" {
		return 0, fmt.Errorf("empty column")
	}
	n := 0
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("invalid column %q", column)
		}
		n = n*26 + int(r-'A'+1)
	}
	return n - 1, nil
}

// Key builds the cell key for a column letter and 1-based row number: "C12".
func Key(column string, row int) string {
	return column + strconv.Itoa(row)
}

// ParseKey splits a cell key into its column letters and 1-based row number.
func ParseKey(key string) (string, int, error) {
	i := 0
	for i < len(key) && key[i] >= 'A' && key[i] <= 'Z' {
		i++
	}
	if i == 0 || i == len(key) {
		return "", 0, fmt.Errorf("invalid cell key %q", key)
	}
	row, err := strconv.Atoi(key[i:])
	if err != nil || row < 1 {
		return "", 0, fmt.Errorf("invalid cell key %q", key)
	}
	return key[:i], row, nil
}
