package models

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// ErrSessionClosed is returned by a handle whose driver session has ended.
var ErrSessionClosed = errors.New("download session closed")

// Fetchable is a capability to download one receipt. It is only valid while
// the driver session that produced it is open and is never persisted.
type Fetchable interface {
	Fetch(ctx context.Context) (Receipt, error)
}

// Receipt is a downloaded document plus whatever the invoice page said
// about it. InvoiceNumber and PaidAt are empty when the page had no details
// table.
type Receipt struct {
	Payload       []byte
	InvoiceNumber string
	PaidAt        time.Time
}

// StoredReceipt describes a receipt written to the output directory.
type StoredReceipt struct {
	Path          string
	Kind          string // detected MIME type
	InvoiceNumber string
	PaidAt        time.Time
}

// InvoiceEntry is one row of the billing history page.
type InvoiceEntry struct {
	ID       string
	IssuedAt time.Time // zero when the row had no parseable date
	Rank     int       // 1-based position on the page
	Amount   decimal.Decimal
	Currency string
	Link     string
	Handle   Fetchable
}

func (e InvoiceEntry) HasDate() bool {
	return !e.IssuedAt.IsZero()
}

// Outcome of visiting one entry during traversal.
type Outcome string

const (
	OutcomeFetched   Outcome = "fetched"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeStopped   Outcome = "stopped"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
)

type ReceiptHistory struct {
	ID           string  `bson:"_id"`
	RunID        string  `bson:"run_id"`
	Identifier   string  `bson:"identifier"`
	Link         string  `bson:"link"`
	IssuedAt     int64   `bson:"issued_at,omitempty"`
	Amount       string  `bson:"amount,omitempty"`
	Currency     string  `bson:"currency,omitempty"`
	Invoice      string  `bson:"invoice_number,omitempty"`
	PaidAt       int64   `bson:"paid_at,omitempty"`
	Status       Outcome `bson:"status"`
	Filename     string  `bson:"filename,omitempty"`
	Timestamp    int64   `bson:"timestamp"`
	Duration     int     `bson:"duration_ms"`
	ErrorMessage string  `bson:"error_message,omitempty"`
}

type RunState struct {
	ID         string `bson:"_id"`
	HTMLPath   string `bson:"html_path"`
	OutDir     string `bson:"out_dir"`
	EarlyStop  bool   `bson:"early_stop"`
	State      string `bson:"state"`
	Entries    int    `bson:"entries"`
	Visited    int    `bson:"visited"`
	Fetched    int    `bson:"fetched"`
	Skipped    int    `bson:"skipped"`
	Failed     int    `bson:"failed"`
	Anomalies  int    `bson:"anomalies"`
	StartedAt  int64  `bson:"started_at"`
	FinishedAt int64  `bson:"finished_at"`
}
