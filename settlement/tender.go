package settlement

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/station-ledger/generic"
)

// =============================================================================
// TENDER - What a worker hands over at close
// =============================================================================

type TenderKind string

const (
	TenderCash   TenderKind = "cash"
	TenderCard   TenderKind = "card"
	TenderCredit TenderKind = "credit"
	TenderCheque TenderKind = "cheque"
)

// Tender is one declared payment. Each kind carries the fields it needs
// and validates them itself.
type Tender interface {
	Kind() TenderKind
	Value() decimal.Decimal
	Validate() error
}

// CashTender is cash counted into the drawer.
type CashTender struct {
	Amount decimal.Decimal `json:"amount"`
}

func (t CashTender) Kind() TenderKind       { return TenderCash }
func (t CashTender) Value() decimal.Decimal { return t.Amount }
func (t CashTender) Validate() error        { return positive(t.Amount) }

// CardTender is a POS terminal settlement slip.
type CardTender struct {
	Amount     decimal.Decimal `json:"amount"`
	TerminalID string          `json:"terminal_id"`
}

func (t CardTender) Kind() TenderKind       { return TenderCard }
func (t CardTender) Value() decimal.Decimal { return t.Amount }
func (t CardTender) Validate() error {
	if strings.TrimSpace(t.TerminalID) == "" {
		return fmt.Errorf("terminal_id is required")
	}
	return positive(t.Amount)
}

// CreditTender is fuel sold on account to a credit customer.
type CreditTender struct {
	Amount     decimal.Decimal `json:"amount"`
	CustomerID string          `json:"customer_id"`
}

func (t CreditTender) Kind() TenderKind       { return TenderCredit }
func (t CreditTender) Value() decimal.Decimal { return t.Amount }
func (t CreditTender) Validate() error {
	if strings.TrimSpace(t.CustomerID) == "" {
		return fmt.Errorf("customer_id is required")
	}
	return positive(t.Amount)
}

// ChequeTender is a cheque received at the pump.
type ChequeTender struct {
	Amount       decimal.Decimal `json:"amount"`
	Number       string          `json:"number"`
	BankID       string          `json:"bank_id"`
	ReceivedFrom string          `json:"received_from,omitempty"`
	ChequeDate   time.Time       `json:"cheque_date"`
}

func (t ChequeTender) Kind() TenderKind       { return TenderCheque }
func (t ChequeTender) Value() decimal.Decimal { return t.Amount }
func (t ChequeTender) Validate() error {
	if strings.TrimSpace(t.Number) == "" {
		return fmt.Errorf("number is required")
	}
	if strings.TrimSpace(t.BankID) == "" {
		return fmt.Errorf("bank_id is required")
	}
	if t.ChequeDate.IsZero() {
		return fmt.Errorf("cheque_date is required")
	}
	return positive(t.Amount)
}

func positive(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", d)
	}
	return nil
}

// =============================================================================
// WORKER DECLARATION
// =============================================================================

// WorkerDeclaration is everything one worker declares at close.
type WorkerDeclaration struct {
	WorkerID generic.WorkerID
	Tenders  []Tender
	Advance  decimal.Decimal // salary advance taken from the drawer
}

// Validate checks every tender and the advance.
func (d WorkerDeclaration) Validate() error {
	if d.WorkerID == "" {
		return &generic.TenderError{Kind: "declaration", Reason: "worker_id is required"}
	}
	if d.Advance.IsNegative() {
		return &generic.TenderError{WorkerID: d.WorkerID, Kind: "advance", Reason: "advance cannot be negative"}
	}
	for _, t := range d.Tenders {
		if t == nil {
			return &generic.TenderError{WorkerID: d.WorkerID, Kind: "unknown", Reason: "empty tender"}
		}
		if err := t.Validate(); err != nil {
			return &generic.TenderError{WorkerID: d.WorkerID, Kind: string(t.Kind()), Reason: err.Error()}
		}
	}
	return nil
}

// Totals splits the declaration by tender kind.
func (d WorkerDeclaration) Totals() TenderTotals {
	out := TenderTotals{Cash: decimal.Zero, Card: decimal.Zero, Credit: decimal.Zero, Cheque: decimal.Zero}
	for _, t := range d.Tenders {
		switch t.Kind() {
		case TenderCash:
			out.Cash = out.Cash.Add(t.Value())
		case TenderCard:
			out.Card = out.Card.Add(t.Value())
		case TenderCredit:
			out.Credit = out.Credit.Add(t.Value())
		case TenderCheque:
			out.Cheque = out.Cheque.Add(t.Value())
		}
	}
	return out
}

// Cheques returns the cheque tenders.
func (d WorkerDeclaration) Cheques() []ChequeTender {
	var out []ChequeTender
	for _, t := range d.Tenders {
		if c, ok := t.(ChequeTender); ok {
			out = append(out, c)
		}
	}
	return out
}

type tenderEnvelope struct {
	Kind TenderKind      `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type declarationJSON struct {
	WorkerID generic.WorkerID `json:"worker_id"`
	Advance  decimal.Decimal  `json:"advance"`
	Tenders  []tenderEnvelope `json:"tenders"`
}

// MarshalJSON writes tenders with a kind discriminator.
func (d WorkerDeclaration) MarshalJSON() ([]byte, error) {
	out := declarationJSON{WorkerID: d.WorkerID, Advance: d.Advance, Tenders: make([]tenderEnvelope, 0, len(d.Tenders))}
	for _, t := range d.Tenders {
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		out.Tenders = append(out.Tenders, tenderEnvelope{Kind: t.Kind(), Data: raw})
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the kind discriminator back into concrete tenders.
func (d *WorkerDeclaration) UnmarshalJSON(b []byte) error {
	var in declarationJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	d.WorkerID = in.WorkerID
	d.Advance = in.Advance
	d.Tenders = make([]Tender, 0, len(in.Tenders))
	for _, env := range in.Tenders {
		t, err := DecodeTender(env.Kind, env.Data)
		if err != nil {
			return err
		}
		d.Tenders = append(d.Tenders, t)
	}
	return nil
}

// DecodeTender builds the concrete tender for kind from its JSON body.
func DecodeTender(kind TenderKind, raw []byte) (Tender, error) {
	switch kind {
	case TenderCash:
		var t CashTender
		err := json.Unmarshal(raw, &t)
		return t, err
	case TenderCard:
		var t CardTender
		err := json.Unmarshal(raw, &t)
		return t, err
	case TenderCredit:
		var t CreditTender
		err := json.Unmarshal(raw, &t)
		return t, err
	case TenderCheque:
		var t ChequeTender
		err := json.Unmarshal(raw, &t)
		return t, err
	default:
		return nil, fmt.Errorf("%w: unknown tender kind %q", generic.ErrInvalidTender, kind)
	}
}
