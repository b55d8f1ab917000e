package relayer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ReportFile references the artefacts written for one window.
type ReportFile struct {
	CSVPath     string
	ParquetPath string
	Count       int
}

// Reconciler exports completed settlements for off-chain bookkeeping.
type Reconciler struct {
	store     *Store
	outputDir string
	now       func() time.Time
	logger    *slog.Logger
}

// NewReconciler builds a reconciler writing into outputDir.
func NewReconciler(store *Store, outputDir string, logger *slog.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("relayer: recon store is required")
	}
	if outputDir == "" {
		outputDir = "relayer-recon"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, outputDir: outputDir, now: time.Now, logger: logger}, nil
}

// Export writes every settlement completed in [start, end) to a CSV and a
// Parquet file named after the window start date.
func (r *Reconciler) Export(ctx context.Context, start, end time.Time) (*ReportFile, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("relayer: recon window end must follow start")
	}
	rows, err := r.store.SettledBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("relayer: recon query: %w", err)
	}
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("relayer: recon dir: %w", err)
	}
	name := "settlements_" + start.UTC().Format("2006-01-02")
	out := &ReportFile{
		CSVPath:     filepath.Join(r.outputDir, name+".csv"),
		ParquetPath: filepath.Join(r.outputDir, name+".parquet"),
		Count:       len(rows),
	}
	if err := writeCSV(out.CSVPath, rows); err != nil {
		return nil, err
	}
	if err := writeParquet(out.ParquetPath, rows); err != nil {
		return nil, err
	}
	r.logger.Info("recon export written",
		slog.String("csv", out.CSVPath),
		slog.String("parquet", out.ParquetPath),
		slog.Int("rows", out.Count))
	return out, nil
}

// RunDaily exports the previous UTC day every interval until ctx ends.
func (r *Reconciler) RunDaily(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			end := r.now().UTC().Truncate(24 * time.Hour)
			if _, err := r.Export(ctx, end.Add(-24*time.Hour), end); err != nil {
				r.logger.Error("recon export failed", slog.Any("error", err))
			}
		}
	}
}

var csvHeader = []string{
	"settlement_id", "tanda_id", "round", "participant", "vault", "amount",
	"reference", "rail_reference", "operator", "attempts", "requested_at", "settled_at",
}

func writeCSV(path string, rows []Settlement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("relayer: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("relayer: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ID.String(),
			row.TandaID,
			strconv.FormatUint(row.Round, 10),
			row.Participant,
			row.Vault,
			row.Amount,
			row.Reference,
			row.RailReference,
			row.Operator,
			strconv.Itoa(row.Attempts),
			row.RequestedAt.UTC().Format(time.RFC3339),
			formatTime(row.SettledAt),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("relayer: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("relayer: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	SettlementID  string `parquet:"name=settlement_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TandaID       string `parquet:"name=tanda_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Round         int64  `parquet:"name=round, type=INT64"`
	Participant   string `parquet:"name=participant, type=BYTE_ARRAY, convertedtype=UTF8"`
	Vault         string `parquet:"name=vault, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reference     string `parquet:"name=reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	RailReference string `parquet:"name=rail_reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	Operator      string `parquet:"name=operator, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attempts      int32  `parquet:"name=attempts, type=INT32"`
	RequestedAt   string `parquet:"name=requested_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt     string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []Settlement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("relayer: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("relayer: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			SettlementID:  row.ID.String(),
			TandaID:       row.TandaID,
			Round:         int64(row.Round),
			Participant:   row.Participant,
			Vault:         row.Vault,
			Amount:        row.Amount,
			Reference:     row.Reference,
			RailReference: row.RailReference,
			Operator:      row.Operator,
			Attempts:      int32(row.Attempts),
			RequestedAt:   row.RequestedAt.UTC().Format(time.RFC3339),
			SettledAt:     formatTime(row.SettledAt),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("relayer: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("relayer: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("relayer: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
