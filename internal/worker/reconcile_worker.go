package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"rimborsi/internal/amqp"
	"rimborsi/internal/audit"
	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/sheets"
)

// Reconciler is the part of the reimbursement service the worker drives.
type Reconciler interface {
	AutoMatch(ctx context.Context, from, to *time.Time) (*core.AutoMatchSummary, error)
	ListOutstanding(ctx context.Context, from, to *time.Time) ([]core.ReimbursementSummary, error)
}

// Consumer delivers queue messages to a router until ctx ends. *amqp.Client satisfies it.
type Consumer interface {
	Consume(ctx context.Context, router *amqp.Router) error
}

type Config struct {
	// Interval between periodic sweeps. Zero disables the ticker.
	Interval time.Duration
	// Lookback bounds how far back a sweep or an expense.recorded event reaches.
	Lookback time.Duration
}

// ReconcileWorker runs auto-match in reaction to queue messages and on a
// schedule, and exports the outstanding report after each sweep.
type ReconcileWorker struct {
	reconciler Reconciler
	report     sheets.ReportWriter
	categories sheets.CategoryFinder
	config     Config
	logger     *log.Logger
	now        func() time.Time
}

func NewReconcileWorker(reconciler Reconciler, report sheets.ReportWriter, categories sheets.CategoryFinder, config Config, logger *log.Logger) *ReconcileWorker {
	if logger == nil {
		logger = log.Discard()
	}
	if config.Lookback <= 0 {
		config.Lookback = 60 * 24 * time.Hour
	}
	return &ReconcileWorker{
		reconciler: reconciler,
		report:     report,
		categories: categories,
		config:     config,
		logger:     logger.WithComponent(log.ComponentWorker),
		now:        time.Now,
	}
}

// Router returns the message routes handled by the worker.
func (w *ReconcileWorker) Router() *amqp.Router {
	r := amqp.NewRouter()
	r.Handle(amqp.TypeExpenseRecorded, w.HandleExpenseRecorded)
	r.Handle(amqp.TypeAutoMatchRequested, w.HandleAutoMatchRequested)
	return r
}

// HandleExpenseRecorded matches the window that ends at the new row. A new
// inflow can only settle outflows older than itself.
func (w *ReconcileWorker) HandleExpenseRecorded(ctx context.Context, msg *amqp.Message) error {
	var payload amqp.ExpenseRecorded
	if err := msg.Decode(&payload); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	w.logger.InfoContext(ctx, "Processing expense.recorded",
		log.FieldMessageID, msg.ID,
		log.FieldExpenseID, payload.ExpenseID)

	to := payload.OccurredAt.UTC()
	if to.IsZero() {
		to = w.now().UTC()
	}
	from := to.Add(-w.config.Lookback)
	_, err := w.autoMatch(ctx, &from, &to)
	return err
}

func (w *ReconcileWorker) HandleAutoMatchRequested(ctx context.Context, msg *amqp.Message) error {
	var payload amqp.AutoMatchRequested
	if err := msg.Decode(&payload); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	_, err := w.autoMatch(ctx, payload.From, payload.To)
	return err
}

func (w *ReconcileWorker) autoMatch(ctx context.Context, from, to *time.Time) (*core.AutoMatchSummary, error) {
	ctx = audit.WithActor(ctx, audit.ActorWorker)
	summary, err := w.reconciler.AutoMatch(ctx, from, to)
	if err != nil {
		// A validation error will fail the same way on every redelivery.
		var appErr *core.AppError
		if errors.As(err, &appErr) && appErr.Status < 500 {
			w.logger.WarnContext(ctx, "Discarding auto-match request",
				log.FieldErrorCode, appErr.Code,
				log.FieldError, err)
			return nil, nil
		}
		return nil, fmt.Errorf("auto-match: %w", err)
	}
	return summary, nil
}

// Sweep auto-matches the lookback window ending now, then exports the report.
func (w *ReconcileWorker) Sweep(ctx context.Context) error {
	to := w.now().UTC()
	from := to.Add(-w.config.Lookback)
	summary, err := w.autoMatch(ctx, &from, &to)
	if err != nil {
		return err
	}
	if summary != nil {
		w.logger.InfoContext(ctx, "Sweep completed",
			"links_created", summary.LinksCreated,
			"matched", summary.Matched)
	}
	return w.ExportReport(ctx)
}

// ExportReport writes every outstanding outflow to the report writer, if any.
func (w *ReconcileWorker) ExportReport(ctx context.Context) error {
	if w.report == nil {
		return nil
	}
	summaries, err := w.reconciler.ListOutstanding(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("list outstanding: %w", err)
	}
	rows := sheets.BuildOutstandingRows(ctx, summaries, w.categories)
	ref, err := w.report.WriteOutstandingReport(ctx, rows, w.now().UTC())
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	w.logger.InfoContext(ctx, "Exported outstanding report",
		log.FieldOperation, log.OpExport,
		log.FieldCount, len(rows),
		"ref", ref)
	return nil
}

// Run performs a startup sweep, then consumes messages and sweeps on the
// configured interval until ctx is cancelled. consumer may be nil.
func (w *ReconcileWorker) Run(ctx context.Context, consumer Consumer) error {
	if err := w.Sweep(ctx); err != nil {
		// Don't exit - the periodic sweep will retry.
		w.logger.ErrorContext(ctx, "Startup sweep failed", log.FieldError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if consumer != nil {
		router := w.Router()
		g.Go(func() error {
			return consumer.Consume(gctx, router)
		})
	}
	if w.config.Interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(w.config.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
					if err := w.Sweep(gctx); err != nil {
						w.logger.ErrorContext(gctx, "Periodic sweep failed", log.FieldError, err)
					}
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
