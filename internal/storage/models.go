package storage

import (
	"errors"
	"time"

	"github.com/kalambet/okkake/internal/ncode"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// NovelRecord is the outcome of the most recent fetch attempt for one novel.
// Exactly one of NovelData (success) or Error (failure) is meaningful.
type NovelRecord struct {
	Category  string // site subdomain, "ncode" or "novel18"
	Ncode     ncode.Ncode
	NovelData string // JSON encoded payload
	HasError  bool
	Error     string
	FetchedAt time.Time
}
