// Package sheetstore provides the sheet store contract, snapshot
// construction, and the Google Sheets and local workbook backends.
package sheetstore

import (
	"context"
	"errors"

	"github.com/yamakatsunamamugi/autoai/internal/model"
)

// Store is the sheet store collaborator. Reads are wholesale: every call
// returns a fresh snapshot, superseding the previous one. Writes target one
// cell by key ("C12").
type Store interface {
	Read(ctx context.Context) (*model.SheetSnapshot, error)
	Write(ctx context.Context, cellKey, value string) error
}

// ErrNoMenuRow is returned when a sheet has no locatable prompt header row.
// This is a structural failure, never silently defaulted.
var ErrNoMenuRow = errors.New("sheet has no menu row (no プロンプト header found)")
