package liability_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpayroll/pspd/internal/core/liability"
	"github.com/openpayroll/pspd/internal/core/money"
	"github.com/openpayroll/pspd/internal/storage/pspdb/memory"
)

func TestClassifyReturn(t *testing.T) {
	amount := money.MustParse("1250.00", "USD")

	tests := []struct {
		name       string
		rail       string
		code       string
		wantOrigin liability.ErrorOrigin
		wantParty  liability.Party
		wantPath   liability.RecoveryPath
	}{
		{
			name: "ach R01 insufficient funds", rail: "ach", code: "R01",
			wantOrigin: liability.OriginClientFunding, wantParty: liability.PartyClient, wantPath: liability.RecoverDebitClient,
		},
		{
			name: "ach R02 account closed", rail: "ach", code: "R02",
			wantOrigin: liability.OriginEmployeeData, wantParty: liability.PartyClient, wantPath: liability.RecoverClientRemediation,
		},
		{
			name: "ach R03 no account", rail: "ach", code: "R03",
			wantOrigin: liability.OriginEmployeeData, wantParty: liability.PartyClient, wantPath: liability.RecoverClientRemediation,
		},
		{
			name: "ach R06 originator request", rail: "ach", code: "R06",
			wantOrigin: liability.OriginPSPProcess, wantParty: liability.PartyPSP, wantPath: liability.RecoverWriteoff,
		},
		{
			name: "ach R10 unauthorized", rail: "ach", code: "R10",
			wantOrigin: liability.OriginPSPProcess, wantParty: liability.PartyPSP, wantPath: liability.RecoverWriteoff,
		},
		{
			name: "ach lowercase code", rail: "ACH", code: "r01",
			wantOrigin: liability.OriginClientFunding, wantParty: liability.PartyClient, wantPath: liability.RecoverDebitClient,
		},
		{
			name: "ach unknown code", rail: "ach", code: "R99",
			wantOrigin: liability.OriginUnknown, wantParty: liability.PartyPSP, wantPath: liability.RecoverManual,
		},
		{
			name: "fednow any code", rail: "fednow", code: "AC04",
			wantOrigin: liability.OriginProvider, wantParty: liability.PartyPSP, wantPath: liability.RecoverManual,
		},
		{
			name: "unknown rail", rail: "wire", code: "R01",
			wantOrigin: liability.OriginUnknown, wantParty: liability.PartyPSP, wantPath: liability.RecoverManual,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := liability.ClassifyReturn(tt.rail, tt.code, amount)
			assert.Equal(t, tt.wantOrigin, c.ErrorOrigin)
			assert.Equal(t, tt.wantParty, c.LiabilityParty)
			assert.Equal(t, tt.wantPath, c.RecoveryPath)
			assert.NotEmpty(t, c.DeterminationReason)
		})
	}
}

func TestClassifyReturnDeterministic(t *testing.T) {
	amount := money.MustParse("99.00", "USD")
	first := liability.ClassifyReturn("ach", "R01", amount)
	second := liability.ClassifyReturn("ach", "R01", amount)
	assert.Equal(t, first, second)
}

func TestRecordLiabilityEvent(t *testing.T) {
	svc := liability.NewService(memory.NewStore().Liability())
	tenantID := uuid.New()

	req := liability.RecordRequest{
		TenantID:       tenantID,
		LegalEntityID:  uuid.New(),
		SourceType:     "payment_instruction",
		SourceID:       uuid.New(),
		Classification: liability.ClassifyReturn("ach", "R01", money.MustParse("1250.00", "USD")),
		Amount:         money.MustParse("1250.00", "USD"),
		ReturnCode:     "R01",
		IdempotencyKey: "return:TRACE-1:R01",
	}

	event, err := svc.RecordLiabilityEvent(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, liability.StatusClassified, event.Status)
	assert.Equal(t, liability.PartyClient, event.Classification.LiabilityParty)

	// Replays return the stored event, never a second record.
	replay, err := svc.RecordLiabilityEvent(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, event.ID, replay.ID)
}

func TestRecordLiabilityEventRequiresKey(t *testing.T) {
	svc := liability.NewService(memory.NewStore().Liability())
	_, err := svc.RecordLiabilityEvent(context.Background(), liability.RecordRequest{
		TenantID: uuid.New(),
		Amount:   money.MustParse("1.00", "USD"),
	})
	assert.Error(t, err)
}
