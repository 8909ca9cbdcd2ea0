package api_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/station-ledger/api"
	"github.com/warp/station-ledger/safe"
)

type fakeAuditor struct {
	reports []safe.Report
	err     error
	calls   int
}

func (f *fakeAuditor) AuditAll(context.Context) ([]safe.Report, error) {
	f.calls++
	return f.reports, f.err
}

func TestAuditScheduler_RunNow(t *testing.T) {
	// GIVEN: Two safes, one drifted
	auditor := &fakeAuditor{reports: []safe.Report{
		{SafeID: "safe-1", Consistent: true},
		{SafeID: "safe-2", Consistent: false, Discrepancy: decimal.NewFromInt(-10)},
	}}
	s := api.NewAuditScheduler(auditor, "", nil)

	// WHEN: The audit runs
	s.RunNow()

	// THEN: The reports are kept for inspection
	reports, at := s.Last()
	assert.Equal(t, 1, auditor.calls)
	require.Len(t, reports, 2)
	assert.False(t, reports[1].Consistent)
	assert.WithinDuration(t, time.Now(), at, time.Minute)
	assert.Equal(t, "0 2 * * *", s.Spec)
}

func TestAuditScheduler_FailureKeepsPreviousRun(t *testing.T) {
	auditor := &fakeAuditor{reports: []safe.Report{{SafeID: "safe-1", Consistent: true}}}
	s := api.NewAuditScheduler(auditor, "@hourly", nil)
	s.RunNow()

	auditor.err = errors.New("database is locked")
	auditor.reports = nil
	s.RunNow()

	reports, _ := s.Last()
	assert.Equal(t, 2, auditor.calls)
	assert.Len(t, reports, 1)
}

func TestAuditScheduler_StartStop(t *testing.T) {
	s := api.NewAuditScheduler(&fakeAuditor{}, "*/5 * * * *", nil)
	require.NoError(t, s.Start())
	s.Stop()

	bad := api.NewAuditScheduler(&fakeAuditor{}, "every now and then", nil)
	assert.Error(t, bad.Start())
}
