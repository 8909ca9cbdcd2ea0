/*
handlers.go - HTTP API handlers for shift settlement, safes and payroll

PURPOSE:
  Exposes the settlement engine, the safe ledger, the price resolver and
  the payroll aggregator over REST. Handlers parse and validate the wire
  body, attach the caller resolved by ActorMiddleware, and delegate.

ENDPOINTS:
  Shifts:
    POST   /api/shifts                                        Open a shift
    GET    /api/shifts/{id}                                   Shift with snapshot
    POST   /api/shifts/{id}/assignments                       Assign a nozzle
    POST   /api/shifts/{id}/assignments/{assignmentID}/close  End reading
    POST   /api/shifts/{id}/close                             Settle and close
    GET    /api/shifts/{id}/cheques                           Cheques recorded at close

  Prices:
    POST   /api/prices                Register a price row
    GET    /api/prices/effective      Price in force (?station_id&fuel_id&as_of)

  Safes:
    GET    /api/stations/{id}/safe          The station's safe (created on demand)
    POST   /api/safes/{id}/transactions     Post a movement
    GET    /api/safes/{id}/transactions     History (?from&to)
    GET    /api/safes/{id}/balance          Balance (?as_of)
    GET    /api/safes/{id}/reconcile        Replay and compare
    POST   /api/safes/{id}/repair           Rewrite drifted rows
    GET    /api/safes/{id}/summary          Period totals (?from&to)

  Payroll:
    GET    /api/payroll    ?station_id and either year&month or from&to,
                           optional worker_id

  Registry:
    POST   /api/registry/nozzles|tanks|workers|loans

ERROR HANDLING:
  - 400: validation errors, invalid input, no valid assignments
  - 401: missing or bad credentials (see actor.go)
  - 404: unknown shift, assignment, nozzle, safe, worker
  - 409: already closed, open assignments, nozzle in use, lost race
  - 503: storage unavailable after retries
  - 500: anything else, without driver details

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/payroll"
	"github.com/warp/station-ledger/pricing"
	"github.com/warp/station-ledger/safe"
	"github.com/warp/station-ledger/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Registry persists station master data and price rows.
type Registry interface {
	pricing.Writer
	SaveNozzle(ctx context.Context, n settlement.Nozzle) error
	SaveTank(ctx context.Context, t settlement.Tank) error
	SaveWorker(ctx context.Context, w payroll.Worker) error
	SaveLoan(ctx context.Context, l payroll.Loan) error
	ChequesForShift(ctx context.Context, shiftID generic.ShiftID) ([]settlement.Cheque, error)
	Ping(ctx context.Context) error
}

// Deps are the handler's collaborators.
type Deps struct {
	Engine   *settlement.Engine
	Ledger   *safe.Ledger
	Prices   *pricing.Resolver
	Payroll  *payroll.Aggregator
	Registry Registry
	Clock    generic.Clock
	Logger   *zap.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	engine   *settlement.Engine
	ledger   *safe.Ledger
	prices   *pricing.Resolver
	payroll  *payroll.Aggregator
	registry Registry
	clock    generic.Clock
	logger   *zap.Logger
	validate *validator.Validate
}

// NewHandler creates a handler.
func NewHandler(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = generic.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Handler{
		engine:   d.Engine,
		ledger:   d.Ledger,
		prices:   d.Prices,
		payroll:  d.Payroll,
		registry: d.Registry,
		clock:    d.Clock,
		logger:   d.Logger,
		validate: validator.New(),
	}
}

// =============================================================================
// SHIFT HANDLERS
// =============================================================================

// OpenShift starts a shift at a station.
func (h *Handler) OpenShift(w http.ResponseWriter, r *http.Request) {
	var req OpenShiftRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := settlement.OpenRequest{
		StationID: generic.StationID(req.StationID),
		OpenedBy:  ActorFrom(r.Context()),
	}
	if req.StartTime != nil {
		in.StartTime = *req.StartTime
	}
	s, err := h.engine.OpenShift(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toShiftDTO(s))
}

// GetShift returns a shift; for a CLOSED shift its frozen snapshot.
func (h *Handler) GetShift(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.GetShift(r.Context(), generic.ShiftID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(s))
}

// ShiftCheques lists the cheques recorded from a closed shift's declarations.
func (h *Handler) ShiftCheques(w http.ResponseWriter, r *http.Request) {
	id := generic.ShiftID(chi.URLParam(r, "id"))
	if _, err := h.engine.GetShift(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	cheques, err := h.registry.ChequesForShift(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]ChequeDTO, 0, len(cheques))
	for _, c := range cheques {
		out = append(out, toChequeDTO(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// Assign binds a worker to a nozzle.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := parseDecimal("start_reading", req.StartReading)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	a, err := h.engine.Assign(r.Context(), settlement.AssignRequest{
		ShiftID:      generic.ShiftID(chi.URLParam(r, "id")),
		NozzleID:     generic.NozzleID(req.NozzleID),
		WorkerID:     generic.WorkerID(req.WorkerID),
		StartReading: start,
		Actor:        ActorFrom(r.Context()),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssignmentDTO(*a))
}

// CloseAssignment records the end reading.
func (h *Handler) CloseAssignment(w http.ResponseWriter, r *http.Request) {
	var req CloseAssignmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	end, err := parseDecimal("end_reading", req.EndReading)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	returned, err := optionalDecimal("returned_test_quantity", req.ReturnedTestQuantity)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	a, err := h.engine.CloseAssignment(r.Context(), settlement.CloseAssignmentRequest{
		ShiftID:              generic.ShiftID(chi.URLParam(r, "id")),
		AssignmentID:         generic.AssignmentID(chi.URLParam(r, "assignmentID")),
		EndReading:           end,
		ReturnedTestQuantity: returned,
		Actor:                ActorFrom(r.Context()),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(*a))
}

// CloseShift settles the shift and freezes the snapshot.
func (h *Handler) CloseShift(w http.ResponseWriter, r *http.Request) {
	var req CloseShiftRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := toCloseRequest(generic.ShiftID(chi.URLParam(r, "id")), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	in.ClosedBy = ActorFrom(r.Context())

	s, err := h.engine.Close(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(s))
}

func toCloseRequest(id generic.ShiftID, req CloseShiftRequest) (settlement.CloseRequest, error) {
	out := settlement.CloseRequest{ShiftID: id}
	if req.ClosedAt != nil {
		out.ClosedAt = *req.ClosedAt
	}
	for i, d := range req.Declarations {
		advance, err := optionalDecimal(fmt.Sprintf("declarations[%d].advance", i), d.Advance)
		if err != nil {
			return out, err
		}
		decl := settlement.WorkerDeclaration{WorkerID: generic.WorkerID(d.WorkerID), Advance: advance}
		for j, t := range d.Tenders {
			tender, err := toTender(t)
			if err != nil {
				return out, fmt.Errorf("declarations[%d].tenders[%d]: %w", i, j, err)
			}
			decl.Tenders = append(decl.Tenders, tender)
		}
		out.Declarations = append(out.Declarations, decl)
	}
	for i, a := range req.Ancillary {
		amount, err := parseDecimal(fmt.Sprintf("ancillary[%d].amount", i), a.Amount)
		if err != nil {
			return out, err
		}
		out.Ancillary = append(out.Ancillary, settlement.AncillaryRevenue{
			WorkerID: generic.WorkerID(a.WorkerID),
			Source:   a.Source,
			Amount:   amount,
		})
	}
	return out, nil
}

func toTender(t TenderRequest) (settlement.Tender, error) {
	amount, err := parseDecimal("amount", t.Amount)
	if err != nil {
		return nil, err
	}
	switch settlement.TenderKind(t.Kind) {
	case settlement.TenderCash:
		return settlement.CashTender{Amount: amount}, nil
	case settlement.TenderCard:
		return settlement.CardTender{Amount: amount, TerminalID: t.TerminalID}, nil
	case settlement.TenderCredit:
		return settlement.CreditTender{Amount: amount, CustomerID: t.CustomerID}, nil
	case settlement.TenderCheque:
		c := settlement.ChequeTender{Amount: amount, Number: t.Number, BankID: t.BankID, ReceivedFrom: t.ReceivedFrom}
		if t.ChequeDate != nil {
			c.ChequeDate = *t.ChequeDate
		}
		return c, nil
	default:
		return nil, &generic.TenderError{Kind: t.Kind, Reason: "unknown tender kind"}
	}
}

// =============================================================================
// PRICE HANDLERS
// =============================================================================

// RegisterPrice appends a price row.
func (h *Handler) RegisterPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	p, err := h.prices.Register(r.Context(), h.registry, pricing.Price{
		StationID:   generic.StationID(req.StationID),
		FuelID:      generic.FuelID(req.FuelID),
		Amount:      amount,
		EffectiveAt: req.EffectiveAt.UTC(),
		CreatedBy:   ActorFrom(r.Context()).String(),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PriceDTO{
		ID:          p.ID,
		StationID:   p.StationID,
		FuelID:      p.FuelID,
		Amount:      p.Amount,
		EffectiveAt: p.EffectiveAt,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   p.CreatedAt,
	})
}

// EffectivePrice resolves the price in force.
func (h *Handler) EffectivePrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	station, fuel := q.Get("station_id"), q.Get("fuel_id")
	if station == "" || fuel == "" {
		writeError(w, http.StatusBadRequest, "station_id and fuel_id are required", nil)
		return
	}
	t, err := queryTime(r, "as_of")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	asOf := h.clock.Now()
	if t != nil {
		asOf = *t
	}
	res, err := h.prices.Effective(r.Context(), generic.StationID(station), generic.FuelID(fuel), asOf)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// SAFE HANDLERS
// =============================================================================

// StationSafe returns the station's safe, creating it on first use.
func (h *Handler) StationSafe(w http.ResponseWriter, r *http.Request) {
	s, err := h.ledger.SafeForStation(r.Context(), generic.StationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSafeDTO(s))
}

// PostTransaction appends a safe movement.
func (h *Handler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	var req PostTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	txType, err := safe.ParseTransactionType(req.Type)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	in := safe.PostRequest{
		SafeID:      generic.SafeID(chi.URLParam(r, "id")),
		Type:        txType,
		Amount:      amount,
		Refs:        req.Refs,
		Description: req.Description,
		PerformedBy: ActorFrom(r.Context()),
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}
	tx, err := h.ledger.Post(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// ListTransactions returns movements in timestamp order.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	txs, err := h.ledger.Transactions(r.Context(), generic.SafeID(chi.URLParam(r, "id")), from, to)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance returns the current balance or the balance as of a time.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryTime(r, "as_of")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	id := generic.SafeID(chi.URLParam(r, "id"))
	bal, err := h.ledger.BalanceAt(r.Context(), id, asOf)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{SafeID: id, Balance: bal, AsOf: asOf})
}

// Reconcile compares stored balances with a replay.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Reconcile(r.Context(), generic.SafeID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Repair rewrites drifted rows from a replay.
func (h *Handler) Repair(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Repair(r.Context(), generic.SafeID(chi.URLParam(r, "id")), ActorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Summary totals a safe over [from, to).
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	period, err := queryPeriod(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if period == nil {
		writeError(w, http.StatusBadRequest, "from and to are required", nil)
		return
	}
	sum, err := h.ledger.Summary(r.Context(), generic.SafeID(chi.URLParam(r, "id")), *period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// =============================================================================
// PAYROLL HANDLER
// =============================================================================

// Payroll computes per-worker pay for a business month or explicit range.
func (h *Handler) Payroll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	station := q.Get("station_id")
	if station == "" {
		writeError(w, http.StatusBadRequest, "station_id is required", nil)
		return
	}

	period, err := queryPeriod(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	policy := h.payroll.Policy()
	if period == nil {
		p, err := h.businessMonth(q.Get("year"), q.Get("month"), policy)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		period = &p
	}

	records, err := h.payroll.Compute(r.Context(), payroll.Query{
		StationID: generic.StationID(station),
		Period:    *period,
		WorkerID:  generic.WorkerID(q.Get("worker_id")),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PayrollResponse{
		StationID: generic.StationID(station),
		From:      period.Start,
		To:        period.End,
		Records:   records,
	})
}

func (h *Handler) businessMonth(year, month string, policy payroll.Policy) (generic.Period, error) {
	if year == "" && month == "" {
		return generic.BusinessMonthContaining(h.clock.Now(), policy.PeriodStartDay, policy.Location), nil
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return generic.Period{}, fmt.Errorf("%w: year %q", generic.ErrInvalidPeriod, year)
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return generic.Period{}, fmt.Errorf("%w: month %q", generic.ErrInvalidPeriod, month)
	}
	return generic.BusinessMonth(y, time.Month(m), policy.PeriodStartDay, policy.Location), nil
}

// =============================================================================
// REGISTRY HANDLERS
// =============================================================================

// SaveNozzle creates or replaces a nozzle.
func (h *Handler) SaveNozzle(w http.ResponseWriter, r *http.Request) {
	var req NozzleRequest
	if !h.decode(w, r, &req) {
		return
	}
	meterMax, err := optionalDecimal("meter_max", req.MeterMax)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	n := settlement.Nozzle{
		ID:        generic.NozzleID(req.ID),
		StationID: generic.StationID(req.StationID),
		TankID:    generic.TankID(req.TankID),
		FuelID:    generic.FuelID(req.FuelID),
		MeterMax:  meterMax,
	}
	if err := h.registry.SaveNozzle(r.Context(), n); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// SaveTank creates or replaces a tank.
func (h *Handler) SaveTank(w http.ResponseWriter, r *http.Request) {
	var req TankRequest
	if !h.decode(w, r, &req) {
		return
	}
	capacity, err := parseDecimal("capacity", req.Capacity)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	level, err := parseDecimal("current_level", req.CurrentLevel)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	t := settlement.Tank{
		ID:           generic.TankID(req.ID),
		StationID:    generic.StationID(req.StationID),
		FuelID:       generic.FuelID(req.FuelID),
		Capacity:     capacity,
		CurrentLevel: level,
	}
	if err := h.registry.SaveTank(r.Context(), t); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// SaveWorker creates or replaces a worker.
func (h *Handler) SaveWorker(w http.ResponseWriter, r *http.Request) {
	var req WorkerRequest
	if !h.decode(w, r, &req) {
		return
	}
	base, err := optionalDecimal("base_salary", req.BaseSalary)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	holiday, err := optionalDecimal("holiday_allowance", req.HolidayAllowance)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	worker := payroll.Worker{
		ID:               generic.WorkerID(req.ID),
		StationID:        generic.StationID(req.StationID),
		Name:             req.Name,
		BaseSalary:       base,
		HolidayAllowance: holiday,
		Active:           active,
	}
	if err := h.registry.SaveWorker(r.Context(), worker); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// SaveLoan records a staff loan.
func (h *Handler) SaveLoan(w http.ResponseWriter, r *http.Request) {
	var req LoanRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal, err := parseDecimal("principal", req.Principal)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	rental, err := parseDecimal("monthly_rental", req.MonthlyRental)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if req.ID == "" {
		req.ID = generic.NewID("loan")
	}
	if req.Status == "" {
		req.Status = string(payroll.LoanActive)
	}
	loan := payroll.Loan{
		ID:            generic.LoanID(req.ID),
		WorkerID:      generic.WorkerID(req.WorkerID),
		StationID:     generic.StationID(req.StationID),
		Principal:     principal,
		MonthlyRental: rental,
		Status:        payroll.LoanStatus(req.Status),
		CreatedAt:     h.clock.Now(),
	}
	if err := h.registry.SaveLoan(r.Context(), loan); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// Healthz reports whether storage answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the 400 itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	if generic.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	var incomplete *generic.IncompleteAssignmentsError
	switch {
	case errors.As(err, &incomplete):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Shift has open assignments",
			Code:    "incomplete_assignments",
			Details: map[string]any{"shift_id": incomplete.ShiftID, "open_assignments": incomplete.Open},
		})
	case errors.Is(err, generic.ErrUnknownTransactionType):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Code:    "unknown_transaction_type",
			Details: map[string]any{"allowed": safe.Types()},
		})
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case generic.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case generic.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, generic.ErrUnavailable), generic.IsTransient(err):
		h.logger.Warn("storage unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, try again", nil)
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a number", generic.ErrInvalidInput, field, raw)
	}
	return d, nil
}

func optionalDecimal(field, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return parseDecimal(field, raw)
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC 3339", generic.ErrInvalidInput, key)
	}
	return &t, nil
}

func queryPeriod(r *http.Request) (*generic.Period, error) {
	from, err := queryTime(r, "from")
	if err != nil {
		return nil, err
	}
	to, err := queryTime(r, "to")
	if err != nil {
		return nil, err
	}
	if from == nil && to == nil {
		return nil, nil
	}
	if from == nil || to == nil {
		return nil, fmt.Errorf("%w: from and to go together", generic.ErrInvalidPeriod)
	}
	p, err := generic.NewPeriod(*from, *to)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
