/*
dto.go - Request and response bodies for the HTTP API

PURPOSE:
  Wire shapes only. Money, litres and meter readings travel as decimal
  strings ("1250.50"); timestamps as RFC 3339. Request bodies carry
  validator tags and are converted to domain requests in handlers.go.

SEE ALSO:
  - handlers.go: conversion to settlement / safe / pricing requests
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/payroll"
	"github.com/warp/station-ledger/safe"
	"github.com/warp/station-ledger/settlement"
)

// =============================================================================
// SHIFT REQUESTS
// =============================================================================

type OpenShiftRequest struct {
	StationID string     `json:"station_id" validate:"required"`
	StartTime *time.Time `json:"start_time"`
}

type AssignRequest struct {
	NozzleID     string `json:"nozzle_id" validate:"required"`
	WorkerID     string `json:"worker_id" validate:"required"`
	StartReading string `json:"start_reading" validate:"required,numeric"`
}

type CloseAssignmentRequest struct {
	EndReading           string `json:"end_reading" validate:"required,numeric"`
	ReturnedTestQuantity string `json:"returned_test_quantity" validate:"omitempty,numeric"`
}

type TenderRequest struct {
	Kind         string     `json:"kind" validate:"required,oneof=cash card credit cheque"`
	Amount       string     `json:"amount" validate:"required,numeric"`
	TerminalID   string     `json:"terminal_id"`
	CustomerID   string     `json:"customer_id" validate:"required_if=Kind credit"`
	Number       string     `json:"number" validate:"required_if=Kind cheque"`
	BankID       string     `json:"bank_id" validate:"required_if=Kind cheque"`
	ReceivedFrom string     `json:"received_from"`
	ChequeDate   *time.Time `json:"cheque_date"`
}

type DeclarationRequest struct {
	WorkerID string          `json:"worker_id" validate:"required"`
	Advance  string          `json:"advance" validate:"omitempty,numeric"`
	Tenders  []TenderRequest `json:"tenders" validate:"dive"`
}

type AncillaryRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
	Source   string `json:"source" validate:"required"`
	Amount   string `json:"amount" validate:"required,numeric"`
}

type CloseShiftRequest struct {
	Declarations []DeclarationRequest `json:"declarations" validate:"dive"`
	Ancillary    []AncillaryRequest   `json:"ancillary" validate:"dive"`
	ClosedAt     *time.Time           `json:"closed_at"`
}

// =============================================================================
// SHIFT RESPONSES
// =============================================================================

type AssignmentDTO struct {
	ID                   generic.AssignmentID        `json:"id"`
	NozzleID             generic.NozzleID            `json:"nozzle_id"`
	WorkerID             generic.WorkerID            `json:"worker_id"`
	StartReading         decimal.Decimal             `json:"start_reading"`
	EndReading           *decimal.Decimal            `json:"end_reading,omitempty"`
	ReturnedTestQuantity decimal.Decimal             `json:"returned_test_quantity"`
	Status               settlement.AssignmentStatus `json:"status"`
	AssignedAt           time.Time                   `json:"assigned_at"`
	ClosedAt             *time.Time                  `json:"closed_at,omitempty"`
}

type ShiftDTO struct {
	ID          generic.ShiftID             `json:"id"`
	StationID   generic.StationID           `json:"station_id"`
	StartTime   time.Time                   `json:"start_time"`
	EndTime     *time.Time                  `json:"end_time,omitempty"`
	Status      settlement.ShiftStatus      `json:"status"`
	OpenedBy    string                      `json:"opened_by"`
	ClosedBy    string                      `json:"closed_by,omitempty"`
	Version     int64                       `json:"version"`
	Assignments []AssignmentDTO             `json:"assignments"`
	Statistics  *settlement.Statistics      `json:"statistics,omitempty"`
	Declared    *settlement.DeclaredAmounts `json:"declared_amounts,omitempty"`
}

func toAssignmentDTO(a settlement.Assignment) AssignmentDTO {
	return AssignmentDTO{
		ID:                   a.ID,
		NozzleID:             a.NozzleID,
		WorkerID:             a.WorkerID,
		StartReading:         a.StartReading,
		EndReading:           a.EndReading,
		ReturnedTestQuantity: a.ReturnedTestQuantity,
		Status:               a.Status,
		AssignedAt:           a.AssignedAt,
		ClosedAt:             a.ClosedAt,
	}
}

func toShiftDTO(s *settlement.Shift) ShiftDTO {
	out := ShiftDTO{
		ID:          s.ID,
		StationID:   s.StationID,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		Status:      s.Status,
		OpenedBy:    s.OpenedBy,
		ClosedBy:    s.ClosedBy,
		Version:     s.Version,
		Assignments: make([]AssignmentDTO, 0, len(s.Assignments)),
		Statistics:  s.Statistics,
		Declared:    s.Declared,
	}
	for _, a := range s.Assignments {
		out.Assignments = append(out.Assignments, toAssignmentDTO(a))
	}
	return out
}

// =============================================================================
// SAFE
// =============================================================================

type PostTransactionRequest struct {
	Type        string     `json:"type" validate:"required"`
	Amount      string     `json:"amount" validate:"required,numeric"`
	Timestamp   *time.Time `json:"timestamp"`
	Description string     `json:"description" validate:"max=500"`
	Refs        safe.Refs  `json:"refs"`
}

type SafeDTO struct {
	ID             generic.SafeID    `json:"id"`
	StationID      generic.StationID `json:"station_id"`
	OpeningBalance decimal.Decimal   `json:"opening_balance"`
	CurrentBalance decimal.Decimal   `json:"current_balance"`
	IsActive       bool              `json:"is_active"`
	CreatedAt      time.Time         `json:"created_at"`
}

type TransactionDTO struct {
	ID                generic.TransactionID `json:"id"`
	SafeID            generic.SafeID        `json:"safe_id"`
	Type              safe.TransactionType  `json:"type"`
	Amount            decimal.Decimal       `json:"amount"`
	Timestamp         time.Time             `json:"timestamp"`
	BalanceBefore     decimal.Decimal       `json:"balance_before"`
	BalanceAfter      decimal.Decimal       `json:"balance_after"`
	Refs              safe.Refs             `json:"refs"`
	Description       string                `json:"description,omitempty"`
	PerformedBy       string                `json:"performed_by"`
	PossibleDuplicate bool                  `json:"possible_duplicate,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
}

type ChequeDTO struct {
	ID           string                  `json:"id"`
	ShiftID      generic.ShiftID         `json:"shift_id"`
	WorkerID     generic.WorkerID        `json:"worker_id"`
	Number       string                  `json:"number"`
	BankID       string                  `json:"bank_id"`
	ReceivedFrom string                  `json:"received_from"`
	ChequeDate   time.Time               `json:"cheque_date"`
	Amount       decimal.Decimal         `json:"amount"`
	Status       settlement.ChequeStatus `json:"status"`
}

func toChequeDTO(c settlement.Cheque) ChequeDTO {
	return ChequeDTO{
		ID:           c.ID,
		ShiftID:      c.ShiftID,
		WorkerID:     c.WorkerID,
		Number:       c.Number,
		BankID:       c.BankID,
		ReceivedFrom: c.ReceivedFrom,
		ChequeDate:   c.ChequeDate,
		Amount:       c.Amount,
		Status:       c.Status,
	}
}

type BalanceDTO struct {
	SafeID  generic.SafeID  `json:"safe_id"`
	Balance decimal.Decimal `json:"balance"`
	AsOf    *time.Time      `json:"as_of,omitempty"`
}

func toSafeDTO(s *safe.Safe) SafeDTO {
	return SafeDTO{
		ID:             s.ID,
		StationID:      s.StationID,
		OpeningBalance: s.OpeningBalance,
		CurrentBalance: s.CurrentBalance,
		IsActive:       s.IsActive,
		CreatedAt:      s.CreatedAt,
	}
}

func toTransactionDTO(t safe.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                t.ID,
		SafeID:            t.SafeID,
		Type:              t.Type,
		Amount:            t.Amount,
		Timestamp:         t.Timestamp,
		BalanceBefore:     t.BalanceBefore,
		BalanceAfter:      t.BalanceAfter,
		Refs:              t.Refs,
		Description:       t.Description,
		PerformedBy:       t.PerformedBy,
		PossibleDuplicate: t.PossibleDuplicate,
		CreatedAt:         t.CreatedAt,
	}
}

// =============================================================================
// PRICES
// =============================================================================

type PriceRequest struct {
	StationID   string    `json:"station_id" validate:"required"`
	FuelID      string    `json:"fuel_id" validate:"required"`
	Amount      string    `json:"amount" validate:"required,numeric"`
	EffectiveAt time.Time `json:"effective_at" validate:"required"`
}

type PriceDTO struct {
	ID          generic.PriceID   `json:"id"`
	StationID   generic.StationID `json:"station_id"`
	FuelID      generic.FuelID    `json:"fuel_id"`
	Amount      decimal.Decimal   `json:"amount"`
	EffectiveAt time.Time         `json:"effective_at"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
}

// =============================================================================
// REGISTRY
// =============================================================================

type NozzleRequest struct {
	ID        string `json:"id" validate:"required"`
	StationID string `json:"station_id" validate:"required"`
	TankID    string `json:"tank_id" validate:"required"`
	FuelID    string `json:"fuel_id" validate:"required"`
	MeterMax  string `json:"meter_max" validate:"omitempty,numeric"`
}

type TankRequest struct {
	ID           string `json:"id" validate:"required"`
	StationID    string `json:"station_id" validate:"required"`
	FuelID       string `json:"fuel_id" validate:"required"`
	Capacity     string `json:"capacity" validate:"required,numeric"`
	CurrentLevel string `json:"current_level" validate:"required,numeric"`
}

type WorkerRequest struct {
	ID               string `json:"id" validate:"required"`
	StationID        string `json:"station_id" validate:"required"`
	Name             string `json:"name" validate:"required,max=200"`
	BaseSalary       string `json:"base_salary" validate:"omitempty,numeric"`
	HolidayAllowance string `json:"holiday_allowance" validate:"omitempty,numeric"`
	Active           *bool  `json:"active"`
}

type LoanRequest struct {
	ID            string `json:"id"`
	WorkerID      string `json:"worker_id" validate:"required"`
	StationID     string `json:"station_id" validate:"required"`
	Principal     string `json:"principal" validate:"required,numeric"`
	MonthlyRental string `json:"monthly_rental" validate:"required,numeric"`
	Status        string `json:"status" validate:"omitempty,oneof=ACTIVE PAID"`
}

// =============================================================================
// PAYROLL
// =============================================================================

type PayrollResponse struct {
	StationID generic.StationID `json:"station_id"`
	From      time.Time         `json:"from"`
	To        time.Time         `json:"to"`
	Records   []payroll.Record  `json:"records"`
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
