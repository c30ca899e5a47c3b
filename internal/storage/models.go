package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// StorageFault reports an archive I/O or corruption failure. Callers must
// not assume the operation took effect.
type StorageFault struct {
	Op  string
	Err error
}

func (e *StorageFault) Error() string {
	return fmt.Sprintf("storage fault: %s: %v", e.Op, e.Err)
}

func (e *StorageFault) Unwrap() error { return e.Err }

func fault(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageFault{Op: op, Err: err}
}

// Message is an archived chat message. Records are immutable once stored.
type Message struct {
	ID              int64
	MessageID       string
	OriginID        string
	SourceChannel   string
	TargetChannel   string
	SenderID        string
	SenderName      string
	Timestamp       time.Time
	Content         string
	OriginalContent string
	SourceLanguage  string
	TargetLanguage  string
	IsMedia         bool
	MediaKind       string
	IsForwarded     bool
}

// Criteria filters an archive search. All set fields are combined with AND;
// the key terms extracted from Text are combined with OR.
type Criteria struct {
	Text      string
	ChannelID string // matches source or target channel
	Sender    string // display-name substring or exact sender id
	Since     time.Time
	Until     time.Time // exclusive
	Limit     int
	// Fuzzy matches Text through the edit-distance index instead of
	// substring matching.
	Fuzzy bool
}

// PendingMessage is a message that still lacks an embedding.
type PendingMessage struct {
	ID      int64
	Content string
}

// Stats summarizes the archive.
type Stats struct {
	Messages   int
	Embedded   int
	Entities   int
	Channels   int
	Oldest     time.Time
	Newest     time.Time
	Migrations []int
}
