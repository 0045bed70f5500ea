package crawler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const reportTimeLayout = "2006-01-02 15:04:05"

// Reporter writes the end-of-run summary and optionally announces it.
type Reporter struct {
	store     ChunkStore
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewReporter builds a Reporter. Publishing is skipped when publisher is
// nil or topic is empty.
func NewReporter(store ChunkStore, publisher Publisher, topic string, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{store: store, publisher: publisher, topic: topic, logger: logger}
}

// ReportInput is the final ledger state handed to Emit.
type ReportInput struct {
	ScraperType         string
	Start               time.Time
	End                 time.Time
	Failures            *FailureLedger
	DataCount           int
	LastIdentifier      Identifier
	FinalState          State
	FirstInputFile      int
	InputFilesProcessed int
	LastOutputFile      int
}

// BuildReport renders in as a RunReport.
func BuildReport(in ReportInput) RunReport {
	failed := make([]Identifier, 0)
	if in.Failures != nil {
		failed = in.Failures.List()
	}
	return RunReport{
		ScraperType:         in.ScraperType,
		UpdateDate:          in.End.Format("2006-01-02"),
		StartTime:           in.Start.Format(reportTimeLayout),
		EndTime:             in.End.Format(reportTimeLayout),
		FailedCount:         len(failed),
		FailedList:          failed,
		DataCount:           in.DataCount,
		LastIdentifier:      in.LastIdentifier,
		FinalState:          in.FinalState,
		FirstInputFile:      in.FirstInputFile,
		InputFilesProcessed: in.InputFilesProcessed,
		LastOutputFile:      in.LastOutputFile,
	}
}

// Emit writes report to name in a single atomic replace, overwriting any
// earlier report of the same day. A failed publish is logged only.
func (r *Reporter) Emit(ctx context.Context, name string, report RunReport) error {
	return r.EmitDocument(ctx, name, report,
		zap.String("scraper_type", report.ScraperType),
		zap.Int("data_count", report.DataCount),
		zap.Int("failed_count", report.FailedCount),
		zap.String("final_state", string(report.FinalState)),
	)
}

// EmitDocument writes and announces any report document.
func (r *Reporter) EmitDocument(ctx context.Context, name string, doc any, fields ...zap.Field) error {
	data, err := encodeJSON(doc)
	if err != nil {
		return fmt.Errorf("%w: encode report: %v", ErrPersistence, err)
	}
	if err := r.store.Write(ctx, name, data); err != nil {
		return fmt.Errorf("%w: write report %s: %v", ErrPersistence, name, err)
	}
	r.logger.Info("run report written", append(fields, zap.String("report", name))...)
	if r.publisher == nil || r.topic == "" {
		return nil
	}
	id, err := r.publisher.Publish(ctx, r.topic, doc)
	if err != nil {
		r.logger.Warn("publish run report failed", zap.String("topic", r.topic), zap.Error(err))
		return nil
	}
	r.logger.Debug("run report published", zap.String("topic", r.topic), zap.String("message_id", id))
	return nil
}
