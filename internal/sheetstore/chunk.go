package sheetstore

import (
	"context"
	"fmt"

	"github.com/yamakatsunamamugi/autoai/internal/cell"
)

// boundaryWindow is how far back from a hard chunk cut we search for a
// line break or space to cut at instead.
const boundaryWindow = 500

// SplitValue splits s into chunks of at most limit runes. Each cut prefers a
// nearby line break, then a space, over a hard cut mid-word. Concatenating
// the chunks reproduces s exactly.
func SplitValue(s string, limit int) []string {
	if limit <= 0 || len([]rune(s)) <= limit {
		return []string{s}
	}

	runes := []rune(s)
	var chunks []string
	for len(runes) > limit {
		cut := limit
		if b := boundaryBefore(runes, limit); b > 0 {
			cut = b
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// boundaryBefore finds a cut position at or before limit such that the chunk
// ends just after a line break or space. Returns 0 when no boundary is close
// enough.
func boundaryBefore(runes []rune, limit int) int {
	low := limit - boundaryWindow
	if low < 1 {
		low = 1
	}
	for i := limit; i > low; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	for i := limit; i > low; i-- {
		if runes[i-1] == ' ' || runes[i-1] == '　' {
			return i
		}
	}
	return 0
}

// WriteChunked writes value to (column,row), splitting values beyond limit
// runes across consecutive cells in the same column.
func WriteChunked(ctx context.Context, store Store, column string, row int, value string, limit int) error {
	for i, chunk := range SplitValue(value, limit) {
		key := cell.Key(column, row+i)
		if err := store.Write(ctx, key, chunk); err != nil {
			return fmt.Errorf("write chunk %d to %s: %w", i+1, key, err)
		}
	}
	return nil
}
