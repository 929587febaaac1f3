package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/imgharvest/internal/storage"
	"github.com/JakeFAU/imgharvest/internal/storage/postgres"
)

// DumpedIDFile records the highest exported record id inside an export directory.
const DumpedIDFile = "dumped_max_id.txt"

// ExportResult summarizes an Export call.
type ExportResult struct {
	Path  string
	Rows  int
	MaxID int64
}

// Export writes every record with an id above the last exported one to a
// timestamped CSV of category,file,url rows in dir. When track is false the
// whole table is exported and the watermark is left untouched.
func Export(ctx context.Context, records *postgres.RecordStore, dir string, track bool, now time.Time) (ExportResult, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return ExportResult{}, fmt.Errorf("create export dir: %w", err)
	}
	idFile := filepath.Join(dir, DumpedIDFile)
	after := int64(-1)
	if track {
		last, err := readWatermark(idFile)
		if err != nil {
			return ExportResult{}, err
		}
		after = last
	}

	out := filepath.Join(dir, now.UTC().Format("2006.01.02-15.04.05.000000")+".csv")
	// #nosec G304 -- out is derived from the operator-supplied export directory.
	f, err := os.Create(out)
	if err != nil {
		return ExportResult{}, fmt.Errorf("create export file: %w", err)
	}
	w := csv.NewWriter(f)
	rows := 0
	maxID, err := records.ExportSince(ctx, after, func(r postgres.Record) error {
		rows++
		return w.Write([]string{r.Category, r.FileName, r.URL})
	})
	w.Flush()
	if err == nil {
		err = w.Error()
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(out)
		return ExportResult{}, fmt.Errorf("export records: %w", err)
	}
	if track && rows > 0 {
		if err := os.WriteFile(idFile, []byte(strconv.FormatInt(maxID, 10)), 0o600); err != nil {
			return ExportResult{}, fmt.Errorf("write watermark: %w", err)
		}
	}
	return ExportResult{Path: out, Rows: rows, MaxID: maxID}, nil
}

func readWatermark(path string) (int64, error) {
	// #nosec G304 -- watermark lives in the operator-supplied export directory.
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return -1, nil
		}
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse watermark %s: %w", path, err)
	}
	return id, nil
}

// ImportResult summarizes an Import call.
type ImportResult struct {
	Inserted int
	Skipped  int
}

// Import inserts category,file,url rows. Blank lines are ignored, duplicates
// are skipped, and any row without exactly three columns is an error.
func Import(ctx context.Context, records *postgres.RecordStore, r io.Reader, engine storage.Engine) (ImportResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	var res ImportResult
	for line := 1; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("read row %d: %w", line, err)
		}
		if len(row) != 3 {
			return res, fmt.Errorf("row %d: expected 3 columns, got %d", line, len(row))
		}
		inserted, err := records.Insert(ctx, row[0], row[1], row[2], engine)
		if err != nil {
			return res, fmt.Errorf("row %d: %w", line, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}
}
