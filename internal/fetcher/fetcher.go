package fetcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"receipt_harvester/internal/errs"
	"receipt_harvester/internal/ledger"
	"receipt_harvester/internal/logger"
	"receipt_harvester/internal/models"

	"github.com/cockroachdb/errors"
	"github.com/h2non/filetype"
)

// Fetcher downloads one receipt through its handle and stores it under the
// ledger filename. A file only ever appears complete: content goes to a
// hidden temporary file first and is renamed into place after fsync.
type Fetcher struct {
	dir string
	log *logger.Logger
}

func New(dir string, log *logger.Logger) *Fetcher {
	return &Fetcher{dir: dir, log: log}
}

func (f *Fetcher) Dir() string {
	return f.dir
}

// Fetch downloads and stores one receipt. Every error is marked
// errs.ErrFetch. A row without a date is named after the payment date the
// invoice page states, when it states one; Scan ignores the date prefix, so
// this never affects deduplication.
func (f *Fetcher) Fetch(ctx context.Context, entry models.InvoiceEntry) (models.StoredReceipt, error) {
	if entry.Handle == nil {
		return models.StoredReceipt{}, errs.Fetch(errors.New("entry has no download handle"), "download")
	}
	if err := ledger.CheckID(entry.ID); err != nil {
		return models.StoredReceipt{}, errs.Fetch(err, "name receipt")
	}

	receipt, err := entry.Handle.Fetch(ctx)
	if err != nil {
		return models.StoredReceipt{}, errs.Fetch(err, "download")
	}

	kind, err := Inspect(receipt.Payload)
	if err != nil {
		return models.StoredReceipt{}, errs.Fetch(err, "validate payload")
	}
	f.log.Debugf("payload for %s: %d bytes, %s", entry.ID, len(receipt.Payload), kind)

	issued := entry.IssuedAt
	if issued.IsZero() {
		issued = receipt.PaidAt
	}
	name := ledger.Filename(entry.ID, issued)
	if err := writeAtomic(f.dir, name, receipt.Payload); err != nil {
		return models.StoredReceipt{}, errs.Fetch(err, "write receipt")
	}
	return models.StoredReceipt{
		Path:          filepath.Join(f.dir, name),
		Kind:          kind,
		InvoiceNumber: receipt.InvoiceNumber,
		PaidAt:        receipt.PaidAt,
	}, nil
}

// Inspect rejects payloads that cannot be a receipt and returns the detected
// MIME type otherwise.
func Inspect(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", errors.New("empty payload")
	}
	kind, _ := filetype.Match(payload)
	if kind != filetype.Unknown {
		return kind.MIME.Value, nil
	}
	if looksLikeMarkup(payload) {
		return "", errors.New("payload is an HTML page, not a receipt")
	}
	return "application/octet-stream", nil
}

func looksLikeMarkup(payload []byte) bool {
	head := payload
	if len(head) > 512 {
		head = head[:512]
	}
	head = bytes.TrimLeft(head, " \t\r\n\ufeff")
	return bytes.HasPrefix(head, []byte("<"))
}

func writeAtomic(dir, name string, payload []byte) (err error) {
	tmp, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(payload); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}
