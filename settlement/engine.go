/*
engine.go - Shift lifecycle and the close algorithm

PURPOSE:
  Engine owns every mutation of a shift: open, assign a nozzle, close an
  assignment, and the one-way close. The close is where money is decided.

CLOSE FLOW:
  1. Read the shift. CLOSED -> ErrAlreadyClosed. Open assignments ->
     IncompleteAssignmentsError{Open: n}.
  2. Outside any transaction, settle each assignment: meter delta, minus
     returned test pours, times the price in force at SHIFT START. Bad
     readings are skipped and counted, never fatal while one valid
     assignment remains.
  3. Add ancillary revenue, total the declared tenders, classify the
     variance overall and per worker.
  4. Take the station safe's writer lock, then in ONE storage transaction:
     re-check status and version, post the declared cash to the safe,
     write the CLOSED snapshot. Either all of it commits or none of it.
  5. After commit, queue the tank decrements and cheque records. Their
     failure is logged and never reopens the shift.

CONCURRENCY:
  Two closers of the same shift race on SaveClosedShift; the loser sees
  ErrAlreadyClosed (status moved) or ErrConcurrentModification (an
  assignment changed after it read).

SEE ALSO:
  - types.go: Shift, Statistics, snapshot records
  - variance.go: Tolerance.Classify
  - safe/ledger.go: PostTx used for the cash posting
*/
package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/jobs"
	"github.com/warp/station-ledger/meter"
	"github.com/warp/station-ledger/metrics"
	"github.com/warp/station-ledger/pricing"
	"github.com/warp/station-ledger/safe"
)

// =============================================================================
// ENGINE
// =============================================================================

// Config holds the settlement knobs.
type Config struct {
	Tolerance       Tolerance
	DefaultMeterMax decimal.Decimal
	Retry           generic.RetryPolicy
}

// DefaultConfig is a flat 20 tolerance and a six-digit meter.
func DefaultConfig() Config {
	return Config{
		Tolerance:       DefaultTolerance(),
		DefaultMeterMax: decimal.NewFromInt(999999),
		Retry:           generic.DefaultRetryPolicy,
	}
}

// Deps are the engine's collaborators. Inventory, Cheques and Runner may be
// nil; the matching follow-up work is then skipped.
type Deps struct {
	Store     Store
	Ledger    *safe.Ledger
	Prices    PriceResolver
	Inventory Inventory
	Cheques   ChequeRegistry
	Runner    jobs.Runner
	Clock     generic.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Engine runs the shift lifecycle.
type Engine struct {
	store     Store
	ledger    *safe.Ledger
	prices    PriceResolver
	meters    *meter.Calculator
	tolerance Tolerance
	retry     generic.RetryPolicy
	inventory Inventory
	cheques   ChequeRegistry
	runner    jobs.Runner
	clock     generic.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewEngine wires an engine.
func NewEngine(d Deps, cfg Config) *Engine {
	if d.Clock == nil {
		d.Clock = generic.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Runner == nil {
		d.Runner = &jobs.Inline{Logger: d.Logger}
	}
	if !cfg.DefaultMeterMax.IsPositive() {
		cfg.DefaultMeterMax = decimal.NewFromInt(999999)
	}
	if cfg.Tolerance.Convention == "" {
		cfg.Tolerance.Convention = PositiveAdds
	}
	e := &Engine{
		store:     d.Store,
		ledger:    d.Ledger,
		prices:    d.Prices,
		meters:    meter.NewCalculator(cfg.DefaultMeterMax),
		tolerance: cfg.Tolerance,
		retry:     cfg.Retry,
		inventory: d.Inventory,
		cheques:   d.Cheques,
		runner:    d.Runner,
		clock:     d.Clock,
		logger:    d.Logger,
		metrics:   d.Metrics,
	}
	if e.retry.OnRetry == nil {
		e.retry.OnRetry = func(attempt int, err error) {
			e.metrics.StorageRetry()
			e.logger.Warn("retrying shift storage operation", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
	return e
}

// GetShift returns the shift. For a CLOSED shift this is the persisted
// snapshot, never a recomputation.
func (e *Engine) GetShift(ctx context.Context, id generic.ShiftID) (*Shift, error) {
	return e.store.GetShift(ctx, id)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// OpenRequest opens a shift.
type OpenRequest struct {
	StationID generic.StationID
	StartTime time.Time // zero means now
	OpenedBy  generic.Actor
}

// OpenShift creates an ACTIVE shift with no assignments.
func (e *Engine) OpenShift(ctx context.Context, req OpenRequest) (*Shift, error) {
	if req.OpenedBy.IsZero() {
		return nil, generic.ErrActorRequired
	}
	if req.StationID == "" {
		return nil, fmt.Errorf("%w: station_id is required", generic.ErrInvalidInput)
	}
	now := e.clock.Now()
	start := req.StartTime
	if start.IsZero() {
		start = now
	}

	s := Shift{
		ID:        generic.ShiftID(generic.NewID("shift")),
		StationID: req.StationID,
		StartTime: start.UTC(),
		Status:    ShiftActive,
		OpenedBy:  req.OpenedBy.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := generic.Retry(ctx, e.retry, func() error {
		return e.store.CreateShift(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("shift opened",
		zap.String("shift_id", string(s.ID)),
		zap.String("station_id", string(s.StationID)),
		zap.String("actor", s.OpenedBy),
	)
	return &s, nil
}

// AssignRequest binds a worker to a nozzle.
type AssignRequest struct {
	ShiftID      generic.ShiftID
	NozzleID     generic.NozzleID
	WorkerID     generic.WorkerID
	StartReading decimal.Decimal
	Actor        generic.Actor
}

// Assign adds an OPEN assignment. A nozzle can carry one open assignment per shift.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) (*Assignment, error) {
	if req.Actor.IsZero() {
		return nil, generic.ErrActorRequired
	}
	if req.WorkerID == "" || req.NozzleID == "" {
		return nil, fmt.Errorf("%w: worker_id and nozzle_id are required", generic.ErrInvalidInput)
	}
	if req.StartReading.IsNegative() {
		return nil, &generic.InvalidMeterReadingError{Start: req.StartReading, Reason: "start reading is negative"}
	}
	nozzle, err := e.store.GetNozzle(ctx, req.NozzleID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	a := Assignment{
		ID:                   generic.AssignmentID(generic.NewID("asg")),
		ShiftID:              req.ShiftID,
		NozzleID:             req.NozzleID,
		WorkerID:             req.WorkerID,
		StartReading:         req.StartReading,
		ReturnedTestQuantity: decimal.Zero,
		Status:               AssignmentOpen,
		AssignedAt:           now,
	}

	err = generic.Retry(ctx, e.retry, func() error {
		return e.store.WithShiftTx(ctx, func(tx Tx) error {
			s, err := e.lockActive(ctx, tx, req.ShiftID)
			if err != nil {
				return err
			}
			if nozzle.StationID != s.StationID {
				return fmt.Errorf("%w: nozzle %s belongs to station %s", generic.ErrInvalidInput, nozzle.ID, nozzle.StationID)
			}
			for _, existing := range s.Assignments {
				if existing.NozzleID == req.NozzleID && existing.Status == AssignmentOpen {
					return fmt.Errorf("%w: %s", generic.ErrNozzleInUse, req.NozzleID)
				}
			}
			if err := tx.InsertAssignment(ctx, a); err != nil {
				return err
			}
			return tx.TouchShift(ctx, s.ID, s.Version, now)
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("nozzle assigned",
		zap.String("shift_id", string(a.ShiftID)),
		zap.String("assignment_id", string(a.ID)),
		zap.String("nozzle_id", string(a.NozzleID)),
		zap.String("worker_id", string(a.WorkerID)),
	)
	return &a, nil
}

// CloseAssignmentRequest records the end reading of an assignment.
type CloseAssignmentRequest struct {
	ShiftID              generic.ShiftID
	AssignmentID         generic.AssignmentID
	EndReading           decimal.Decimal
	ReturnedTestQuantity decimal.Decimal
	Actor                generic.Actor
}

// CloseAssignment marks an assignment CLOSED. A reading that does not form a
// valid delta is accepted with a warning; the close algorithm skips it.
func (e *Engine) CloseAssignment(ctx context.Context, req CloseAssignmentRequest) (*Assignment, error) {
	if req.Actor.IsZero() {
		return nil, generic.ErrActorRequired
	}
	if req.EndReading.IsNegative() {
		return nil, &generic.InvalidMeterReadingError{End: req.EndReading, Reason: "end reading is negative"}
	}
	if req.ReturnedTestQuantity.IsNegative() {
		return nil, fmt.Errorf("%w: returned test quantity cannot be negative", generic.ErrInvalidInput)
	}

	now := e.clock.Now()
	var closed Assignment
	err := generic.Retry(ctx, e.retry, func() error {
		return e.store.WithShiftTx(ctx, func(tx Tx) error {
			s, err := e.lockActive(ctx, tx, req.ShiftID)
			if err != nil {
				return err
			}
			a, ok := s.Assignment(req.AssignmentID)
			if !ok {
				return generic.ErrAssignmentNotFound
			}
			if a.Status == AssignmentClosed {
				return fmt.Errorf("%w: assignment %s", generic.ErrAlreadyClosed, a.ID)
			}
			end := req.EndReading
			closedAt := now
			a.EndReading = &end
			a.ReturnedTestQuantity = req.ReturnedTestQuantity
			a.Status = AssignmentClosed
			a.ClosedAt = &closedAt
			if err := tx.UpdateAssignment(ctx, *a); err != nil {
				return err
			}
			closed = *a
			return tx.TouchShift(ctx, s.ID, s.Version, now)
		})
	})
	if err != nil {
		return nil, err
	}

	if nozzle, err := e.store.GetNozzle(ctx, closed.NozzleID); err == nil {
		if _, err := e.meters.Delta(closed.StartReading, *closed.EndReading, nozzle.MeterMax); err != nil {
			e.logger.Warn("assignment closed with unusable meter reading",
				zap.String("shift_id", string(closed.ShiftID)),
				zap.String("assignment_id", string(closed.ID)),
				zap.Error(err),
			)
		}
	}
	return &closed, nil
}

func (e *Engine) lockActive(ctx context.Context, tx Tx, id generic.ShiftID) (*Shift, error) {
	if err := tx.LockShift(ctx, id); err != nil {
		return nil, err
	}
	s, err := tx.GetShift(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == ShiftClosed {
		return nil, generic.ErrAlreadyClosed
	}
	return s, nil
}

// =============================================================================
// CLOSE
// =============================================================================

// CloseRequest carries everything declared at close.
type CloseRequest struct {
	ShiftID      generic.ShiftID
	Declarations []WorkerDeclaration
	Ancillary    []AncillaryRevenue
	ClosedBy     generic.Actor
	ClosedAt     time.Time // zero means now
}

// Close settles and closes a shift. See the file header for the flow.
func (e *Engine) Close(ctx context.Context, req CloseRequest) (*Shift, error) {
	if req.ClosedBy.IsZero() {
		return nil, generic.ErrActorRequired
	}
	for _, d := range req.Declarations {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	for _, a := range req.Ancillary {
		if a.Amount.IsNegative() {
			return nil, fmt.Errorf("%w: ancillary revenue %q is negative", generic.ErrInvalidInput, a.Source)
		}
	}

	read, err := e.store.GetShift(ctx, req.ShiftID)
	if err != nil {
		return nil, err
	}
	if read.Status == ShiftClosed {
		return nil, generic.ErrAlreadyClosed
	}
	if open := read.OpenAssignments(); open > 0 {
		return nil, &generic.IncompleteAssignmentsError{ShiftID: read.ID, Open: open}
	}

	closedAt := req.ClosedAt
	if closedAt.IsZero() {
		closedAt = e.clock.Now()
	}
	closedAt = closedAt.UTC()
	if closedAt.Before(read.StartTime) {
		return nil, fmt.Errorf("%w: close time %s is before shift start %s", generic.ErrInvalidInput,
			closedAt.Format(time.RFC3339), read.StartTime.Format(time.RFC3339))
	}

	settled, err := e.settle(ctx, read)
	if err != nil {
		return nil, err
	}
	stats, declared := e.summarize(read, closedAt, settled, req)

	closed := *read
	closed.Status = ShiftClosed
	closed.EndTime = &closedAt
	closed.ClosedBy = req.ClosedBy.String()
	closed.Statistics = stats
	closed.Declared = declared
	closed.UpdatedAt = e.clock.Now()

	if err := e.commitClose(ctx, read, &closed, req.ClosedBy); err != nil {
		return nil, err
	}

	e.metrics.ShiftClosed(string(stats.Classification))
	e.metrics.AssignmentsSkipped(stats.SkippedAssignments)
	e.logger.Info("shift closed",
		zap.String("shift_id", string(closed.ID)),
		zap.String("station_id", string(closed.StationID)),
		zap.String("actor", closed.ClosedBy),
		zap.String("total_sales", stats.TotalSales.String()),
		zap.String("total_declared", stats.TotalDeclared.String()),
		zap.String("variance", stats.Variance.String()),
		zap.String("classification", string(stats.Classification)),
		zap.Int("skipped", stats.SkippedAssignments),
	)

	e.dispatchFollowUps(&closed, req)
	return &closed, nil
}

// commitClose runs the close transaction under the station safe's lock.
func (e *Engine) commitClose(ctx context.Context, read, closed *Shift, actor generic.Actor) error {
	cash := closed.Declared.Totals.Cash

	var safeID generic.SafeID
	if cash.IsPositive() {
		s, err := e.ledger.SafeForStation(ctx, closed.StationID)
		if err != nil {
			return err
		}
		safeID = s.ID
		unlock := e.ledger.Lock(safeID)
		defer unlock()
	}

	return generic.Retry(ctx, e.retry, func() error {
		closed.Declared.CashPost = nil
		return e.store.WithShiftTx(ctx, func(tx Tx) error {
			if err := tx.LockShift(ctx, read.ID); err != nil {
				return err
			}
			current, err := tx.GetShift(ctx, read.ID)
			if err != nil {
				return err
			}
			if current.Status == ShiftClosed {
				return generic.ErrAlreadyClosed
			}
			if current.Version != read.Version {
				return generic.ErrConcurrentModification
			}

			if cash.IsPositive() {
				posted, err := e.ledger.PostTx(ctx, tx, safe.PostRequest{
					SafeID:      safeID,
					Type:        safe.TxCashFuelSales,
					Amount:      cash,
					Timestamp:   *closed.EndTime,
					Refs:        safe.Refs{ShiftID: closed.ID},
					Description: fmt.Sprintf("Cash fuel sales for shift %s", closed.ID),
					PerformedBy: actor,
				})
				if err != nil {
					return err
				}
				id := posted.ID
				closed.Declared.CashPost = &id
			}
			return tx.SaveClosedShift(ctx, *closed, read.Version)
		})
	})
}

// settledAssignments is step 2 of the close flow.
type settledAssignments struct {
	lines        []AssignmentLine
	skipped      []SkippedAssignment
	volumeByTank map[generic.TankID]decimal.Decimal
	fallbacks    int
}

func (e *Engine) settle(ctx context.Context, s *Shift) (*settledAssignments, error) {
	out := &settledAssignments{volumeByTank: make(map[generic.TankID]decimal.Decimal)}
	prices := make(map[generic.FuelID]pricing.Resolution)

	for _, a := range s.Assignments {
		nozzle, err := e.store.GetNozzle(ctx, a.NozzleID)
		if err != nil {
			if generic.IsNotFound(err) {
				out.skip(e.logger, s, a, "nozzle not found")
				continue
			}
			return nil, err
		}
		if a.EndReading == nil {
			out.skip(e.logger, s, a, "missing end reading")
			continue
		}
		delta, err := e.meters.Delta(a.StartReading, *a.EndReading, nozzle.MeterMax)
		if err != nil {
			out.skip(e.logger, s, a, err.Error())
			continue
		}
		qty := generic.ClampZero(delta.Sub(a.ReturnedTestQuantity))

		res, ok := prices[nozzle.FuelID]
		if !ok {
			res, err = e.prices.Effective(ctx, s.StationID, nozzle.FuelID, s.StartTime)
			if err != nil {
				return nil, err
			}
			prices[nozzle.FuelID] = res
			if res.Fallback {
				out.fallbacks++
			}
		}

		out.lines = append(out.lines, AssignmentLine{
			AssignmentID: a.ID,
			NozzleID:     a.NozzleID,
			TankID:       nozzle.TankID,
			FuelID:       nozzle.FuelID,
			WorkerID:     a.WorkerID,
			Quantity:     qty,
			UnitPrice:    res.Amount,
			PriceID:      res.PriceID,
			Fallback:     res.Fallback,
			Amount:       qty.Mul(res.Amount),
		})
		out.volumeByTank[nozzle.TankID] = out.volumeByTank[nozzle.TankID].Add(qty)
	}

	if len(s.Assignments) > 0 && len(out.lines) == 0 {
		return nil, fmt.Errorf("%w: %d of %d assignments skipped", generic.ErrNoValidAssignments,
			len(out.skipped), len(s.Assignments))
	}
	return out, nil
}

func (sa *settledAssignments) skip(logger *zap.Logger, s *Shift, a Assignment, reason string) {
	logger.Warn("assignment skipped at shift close",
		zap.String("shift_id", string(s.ID)),
		zap.String("assignment_id", string(a.ID)),
		zap.String("nozzle_id", string(a.NozzleID)),
		zap.String("reason", reason),
	)
	sa.skipped = append(sa.skipped, SkippedAssignment{
		AssignmentID: a.ID,
		NozzleID:     a.NozzleID,
		WorkerID:     a.WorkerID,
		Reason:       reason,
	})
}

// summarize is step 3 of the close flow.
func (e *Engine) summarize(s *Shift, closedAt time.Time, sa *settledAssignments, req CloseRequest) (*Statistics, *DeclaredAmounts) {
	stats := &Statistics{
		TotalVolume:        decimal.Zero,
		TotalFuelSales:     decimal.Zero,
		AncillaryRevenue:   decimal.Zero,
		AssignmentCount:    len(s.Assignments),
		SkippedAssignments: len(sa.skipped),
		Skipped:            sa.skipped,
		VolumeByTank:       sa.volumeByTank,
		FallbackPrices:     sa.fallbacks,
		Lines:              sa.lines,
	}

	meterSales := make(map[generic.WorkerID]decimal.Decimal)
	for _, l := range sa.lines {
		stats.TotalVolume = stats.TotalVolume.Add(l.Quantity)
		stats.TotalFuelSales = stats.TotalFuelSales.Add(l.Amount)
		meterSales[l.WorkerID] = meterSales[l.WorkerID].Add(l.Amount)
	}
	ancillary := make(map[generic.WorkerID]decimal.Decimal)
	for _, a := range req.Ancillary {
		stats.AncillaryRevenue = stats.AncillaryRevenue.Add(a.Amount)
		ancillary[a.WorkerID] = ancillary[a.WorkerID].Add(a.Amount)
	}
	declaredBy := make(map[generic.WorkerID]TenderTotals)
	advances := make(map[generic.WorkerID]decimal.Decimal)
	totals := TenderTotals{Cash: decimal.Zero, Card: decimal.Zero, Credit: decimal.Zero, Cheque: decimal.Zero}
	for _, d := range req.Declarations {
		t := d.Totals()
		totals = totals.Add(t)
		if prev, ok := declaredBy[d.WorkerID]; ok {
			t = prev.Add(t)
		}
		declaredBy[d.WorkerID] = t
		advances[d.WorkerID] = advances[d.WorkerID].Add(d.Advance)
	}

	stats.TotalSales = stats.TotalFuelSales.Add(stats.AncillaryRevenue)
	stats.TotalDeclared = totals.Total()
	stats.Variance = stats.TotalSales.Sub(stats.TotalDeclared)
	stats.Tolerance = e.tolerance.Band(stats.TotalSales)
	stats.Classification = e.tolerance.Classify(stats.Variance, stats.TotalSales)
	stats.DurationHours = decimal.NewFromInt(int64(closedAt.Sub(s.StartTime) / time.Second)).Div(decimal.NewFromInt(3600))
	if stats.TotalVolume.IsPositive() {
		stats.AveragePricePerUnit = stats.TotalFuelSales.Div(stats.TotalVolume)
	}

	workers := make(map[generic.WorkerID]struct{})
	for w := range meterSales {
		workers[w] = struct{}{}
	}
	for w := range ancillary {
		workers[w] = struct{}{}
	}
	for w := range declaredBy {
		workers[w] = struct{}{}
	}
	for _, a := range s.Assignments {
		workers[a.WorkerID] = struct{}{}
	}
	ids := make([]generic.WorkerID, 0, len(workers))
	for w := range workers {
		ids = append(ids, w)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	records := make([]VarianceRecord, 0, len(ids))
	for _, w := range ids {
		dec, ok := declaredBy[w]
		if !ok {
			dec = TenderTotals{Cash: decimal.Zero, Card: decimal.Zero, Credit: decimal.Zero, Cheque: decimal.Zero}
		}
		computed := meterSales[w].Add(ancillary[w])
		variance := computed.Sub(dec.Total())
		records = append(records, VarianceRecord{
			WorkerID:       w,
			MeterSales:     meterSales[w],
			AncillarySales: ancillary[w],
			ComputedSales:  computed,
			Declared:       dec,
			DeclaredTotal:  dec.Total(),
			Advance:        advances[w],
			Variance:       variance,
			Classification: e.tolerance.Classify(variance, computed),
		})
	}

	declared := &DeclaredAmounts{
		Totals:    totals,
		Total:     totals.Total(),
		Workers:   records,
		Tenders:   req.Declarations,
		Ancillary: req.Ancillary,
	}
	return stats, declared
}

// =============================================================================
// FOLLOW-UPS
// =============================================================================

func (e *Engine) dispatchFollowUps(s *Shift, req CloseRequest) {
	if e.inventory != nil {
		tanks := make([]generic.TankID, 0, len(s.Statistics.VolumeByTank))
		for t := range s.Statistics.VolumeByTank {
			tanks = append(tanks, t)
		}
		sort.Slice(tanks, func(i, j int) bool { return tanks[i] < tanks[j] })
		for _, t := range tanks {
			d := TankDecrement{TankID: t, ShiftID: s.ID, Quantity: s.Statistics.VolumeByTank[t]}
			if !d.Quantity.IsPositive() {
				continue
			}
			e.submit("tank_decrement", s, func(ctx context.Context) error {
				return e.inventory.DecrementTank(ctx, d)
			})
		}
	}

	if e.cheques != nil {
		n := 0
		for _, decl := range req.Declarations {
			for _, c := range decl.Cheques() {
				n++
				cheque := Cheque{
					ID:           fmt.Sprintf("chq_%s_%d", s.ID, n),
					StationID:    s.StationID,
					ShiftID:      s.ID,
					WorkerID:     decl.WorkerID,
					Number:       c.Number,
					BankID:       c.BankID,
					ReceivedFrom: c.ReceivedFrom,
					ChequeDate:   c.ChequeDate,
					Amount:       c.Amount,
					Status:       ChequePending,
					CreatedBy:    s.ClosedBy,
					CreatedAt:    *s.EndTime,
				}
				e.submit("cheque_record", s, func(ctx context.Context) error {
					return e.cheques.RecordCheque(ctx, cheque)
				})
			}
		}
	}
}

func (e *Engine) submit(name string, s *Shift, task jobs.Task) {
	if err := e.runner.Submit(name, task); err != nil {
		e.metrics.JobFailed(name)
		e.logger.Warn("could not queue shift follow-up",
			zap.String("shift_id", string(s.ID)),
			zap.String("job", name),
			zap.Error(err),
		)
	}
}
