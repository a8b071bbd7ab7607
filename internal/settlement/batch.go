package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"empire/internal/bus"
	"empire/internal/game"
)

// DateLayout is the settlement date format.
const DateLayout = "2006-01-02"

type batchStore interface {
	Companies(ctx context.Context) ([]game.Company, error)
	RepairIntegrity(ctx context.Context) ([]string, error)
}

type Failure struct {
	CompanyID int64  `json:"company_id"`
	Error     string `json:"error"`
}

// Summary is the partial-results view of one batch run.
type Summary struct {
	Date     string    `json:"date"`
	Settled  []Settled `json:"settled"`
	Skipped  []int64   `json:"skipped"`
	Failed   []Failure `json:"failed"`
	Repairs  []string  `json:"repairs"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

type Batch struct {
	pipeline    *Pipeline
	store       batchStore
	concurrency int
	publisher   bus.Publisher
	now         func() time.Time
	logger      *slog.Logger
}

func NewBatch(p *Pipeline, st batchStore, concurrency int) *Batch {
	return &Batch{
		pipeline:    p,
		store:       st,
		concurrency: max(concurrency, 1),
		publisher:   p.publisher,
		now:         p.now,
		logger:      p.logger,
	}
}

// SettleAll repairs integrity, then settles every company for date. A failing
// or panicking company is recorded and never stops the others. The run is
// detached from ctx cancellation once it starts so a shutdown cannot leave a
// company half settled.
func (b *Batch) SettleAll(ctx context.Context, date string) (Summary, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return Summary{}, fmt.Errorf("settlement date %q: %w", date, err)
	}
	ctx = context.WithoutCancel(ctx)
	sum := Summary{Date: date, Started: b.now().UTC()}

	repairs, err := b.store.RepairIntegrity(ctx)
	if err != nil {
		b.logger.Error("integrity sweep failed", "err", err)
	}
	for _, r := range repairs {
		b.logger.Warn("integrity repair", "detail", r)
	}
	sum.Repairs = repairs

	companies, err := b.store.Companies(ctx)
	if err != nil {
		return sum, fmt.Errorf("list companies: %w", err)
	}
	sort.Slice(companies, func(i, j int) bool { return companies[i].ID < companies[j].ID })

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, b.concurrency)
	)
	for _, c := range companies {
		wg.Add(1)
		sem <- struct{}{}
		go func(c game.Company) {
			defer wg.Done()
			defer func() { <-sem }()

			settled, err := b.settleOne(ctx, c, date)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAlreadySettled):
				sum.Skipped = append(sum.Skipped, c.ID)
			case err != nil:
				b.logger.Error("company settlement failed", "company_id", c.ID, "date", date, "err", err)
				sum.Failed = append(sum.Failed, Failure{CompanyID: c.ID, Error: err.Error()})
			default:
				sum.Settled = append(sum.Settled, settled)
			}
		}(c)
	}
	wg.Wait()

	sort.Slice(sum.Settled, func(i, j int) bool { return sum.Settled[i].Company.ID < sum.Settled[j].Company.ID })
	sort.Slice(sum.Skipped, func(i, j int) bool { return sum.Skipped[i] < sum.Skipped[j] })
	sort.Slice(sum.Failed, func(i, j int) bool { return sum.Failed[i].CompanyID < sum.Failed[j].CompanyID })
	sum.Finished = b.now().UTC()
	return sum, nil
}

func (b *Batch) settleOne(ctx context.Context, c game.Company, date string) (s Settled, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("company settlement panicked", "company_id", c.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return b.pipeline.SettleCompany(ctx, c, date)
}

// RunCycle settles today's UTC date and announces the summary.
func (b *Batch) RunCycle(ctx context.Context) (Summary, error) {
	date := b.now().UTC().Format(DateLayout)
	sum, err := b.SettleAll(ctx, date)
	if err != nil {
		return sum, err
	}
	b.logger.Info("settlement cycle complete",
		"date", date,
		"settled", len(sum.Settled),
		"skipped", len(sum.Skipped),
		"failed", len(sum.Failed),
		"repairs", len(sum.Repairs),
		"duration_ms", sum.Finished.Sub(sum.Started).Milliseconds(),
	)
	payload := map[string]any{
		"date":    date,
		"settled": len(sum.Settled),
		"skipped": sum.Skipped,
		"failed":  sum.Failed,
	}
	if err := b.publisher.Publish(ctx, bus.NewEvent(bus.SettlementCompleted, "settlement:"+date, payload)); err != nil {
		b.logger.Warn("publish settlement summary", "err", err)
	}
	return sum, nil
}
