package settlement

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"folio/ledger/models"
)

// ReportOptions selects the confirmed batches to export.
type ReportOptions struct {
	Start     time.Time
	End       time.Time
	OutputDir string
}

// ReportFile describes the files written for one author.
type ReportFile struct {
	Author      string
	CSVPath     string
	ParquetPath string
	Batches     int
	Total       int64
}

// ReportRow is one confirmed payout.
type ReportRow struct {
	BatchID     string
	Author      string
	Network     string
	TotalAmount int64
	EventCount  int
	TxHash      string
	Nonce       uint64
	BroadcastAt time.Time
	ConfirmedAt time.Time
}

// ExportReport writes a CSV and a Parquet file per author covering batches
// confirmed in [Start, End). Files land under OutputDir/<start>_<end>/.
func ExportReport(ctx context.Context, db *gorm.DB, opts ReportOptions, logger *slog.Logger) ([]ReportFile, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.End.IsZero() {
		opts.End = time.Now().UTC()
	}
	if opts.Start.IsZero() {
		opts.Start = opts.End.Add(-24 * time.Hour)
	}
	if !opts.End.After(opts.Start) {
		return nil, fmt.Errorf("settlement: report window end must follow start")
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("settlement: report output directory required")
	}

	var batches []models.SettlementBatch
	if err := db.WithContext(ctx).
		Where("status = ? AND confirmed_at >= ? AND confirmed_at < ?", models.BatchConfirmed, opts.Start, opts.End).
		Order("author_wallet ASC, confirmed_at ASC").
		Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("settlement: load confirmed batches: %w", err)
	}

	grouped := make(map[string][]ReportRow)
	for _, b := range batches {
		grouped[b.AuthorWallet] = append(grouped[b.AuthorWallet], toReportRow(b))
	}
	authors := make([]string, 0, len(grouped))
	for author := range grouped {
		authors = append(authors, author)
	}
	sort.Strings(authors)

	runDir := filepath.Join(opts.OutputDir, fmt.Sprintf("%s_%s", opts.Start.UTC().Format("20060102T150405"), opts.End.UTC().Format("20060102T150405")))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("settlement: create report dir: %w", err)
	}

	files := make([]ReportFile, 0, len(authors))
	for _, author := range authors {
		rows := grouped[author]
		name := reportSlug(author)
		csvPath := filepath.Join(runDir, name+".csv")
		if err := writeReportCSV(csvPath, rows); err != nil {
			return nil, err
		}
		parquetPath := filepath.Join(runDir, name+".parquet")
		if err := writeReportParquet(parquetPath, rows); err != nil {
			return nil, err
		}
		var total int64
		for _, row := range rows {
			total += row.TotalAmount
		}
		logger.Info("settlement report written", slog.String("csv", csvPath), slog.String("parquet", parquetPath), slog.Int("rows", len(rows)))
		files = append(files, ReportFile{
			Author:      author,
			CSVPath:     csvPath,
			ParquetPath: parquetPath,
			Batches:     len(rows),
			Total:       total,
		})
	}
	return files, nil
}

func toReportRow(b models.SettlementBatch) ReportRow {
	row := ReportRow{
		BatchID:     b.ID.String(),
		Author:      b.AuthorWallet,
		Network:     b.Network,
		TotalAmount: b.TotalAmount,
		EventCount:  b.EventCount,
	}
	if b.PayoutTxHash != nil {
		row.TxHash = *b.PayoutTxHash
	}
	if b.Nonce != nil {
		row.Nonce = *b.Nonce
	}
	if b.BroadcastedAt != nil {
		row.BroadcastAt = b.BroadcastedAt.UTC()
	}
	if b.ConfirmedAt != nil {
		row.ConfirmedAt = b.ConfirmedAt.UTC()
	}
	return row
}

func reportSlug(author string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(author) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

func formatReportTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func writeReportCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("settlement: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"batch_id", "author", "network", "total_amount", "event_count", "tx_hash", "nonce", "broadcasted_at", "confirmed_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("settlement: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.BatchID,
			row.Author,
			row.Network,
			strconv.FormatInt(row.TotalAmount, 10),
			strconv.Itoa(row.EventCount),
			row.TxHash,
			strconv.FormatUint(row.Nonce, 10),
			formatReportTime(row.BroadcastAt),
			formatReportTime(row.ConfirmedAt),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("settlement: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("settlement: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	BatchID       string `parquet:"name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Author        string `parquet:"name=author, type=BYTE_ARRAY, convertedtype=UTF8"`
	Network       string `parquet:"name=network, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalAmount   int64  `parquet:"name=total_amount, type=INT64"`
	EventCount    int32  `parquet:"name=event_count, type=INT32"`
	TxHash        string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Nonce         int64  `parquet:"name=nonce, type=INT64"`
	BroadcastedAt string `parquet:"name=broadcasted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ConfirmedAt   string `parquet:"name=confirmed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeReportParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("settlement: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("settlement: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			BatchID:       row.BatchID,
			Author:        row.Author,
			Network:       row.Network,
			TotalAmount:   row.TotalAmount,
			EventCount:    int32(row.EventCount),
			TxHash:        row.TxHash,
			Nonce:         int64(row.Nonce),
			BroadcastedAt: formatReportTime(row.BroadcastAt),
			ConfirmedAt:   formatReportTime(row.ConfirmedAt),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("settlement: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("settlement: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("settlement: close parquet file: %w", err)
	}
	return nil
}
