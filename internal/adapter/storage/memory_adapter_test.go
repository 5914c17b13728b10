package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

func memItem(t *testing.T, m *MemoryAdapter, id string, total int) {
	t.Helper()
	require.NoError(t, m.Items().Create(context.Background(), &domain.ResourceItem{
		ID: id, Name: id, TotalQuantity: total, AvailableQuantity: total,
	}))
}

func TestMemory_RunInTxRollsBackOnError(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()
	memItem(t, m, "tent", 5)

	boom := errors.New("boom")
	err := m.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := m.Items().Reserve(ctx, "tent", 4); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	it, err := m.Items().GetByID(ctx, "tent")
	require.NoError(t, err)
	assert.Equal(t, 5, it.AvailableQuantity)

	err = m.RunInTx(ctx, func(ctx context.Context) error {
		_, err := m.Items().Reserve(ctx, "tent", 4)
		return err
	})
	require.NoError(t, err)
	it, err = m.Items().GetByID(ctx, "tent")
	require.NoError(t, err)
	assert.Equal(t, 1, it.AvailableQuantity)
}

func TestMemory_NestedTxIsRejected(t *testing.T) {
	m := NewMemoryAdapter()
	err := m.RunInTx(context.Background(), func(ctx context.Context) error {
		return m.RunInTx(ctx, func(context.Context) error { return nil })
	})
	require.ErrorIs(t, err, errNestedTx)
}

func TestMemory_ReturnedCopiesAreIsolated(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()
	memItem(t, m, "tent", 5)

	req := &domain.Request{
		ID:              "r1",
		TransactionCode: "ER-0001",
		Kind:            domain.KindEquipment,
		Status:          domain.StatusPending,
		LineItems:       []domain.LineItem{{ItemID: "tent", Quantity: 2}},
		FormData:        map[string]any{"a": "b"},
	}
	require.NoError(t, m.Requests().Create(ctx, req))

	got, err := m.Requests().GetByID(ctx, "r1")
	require.NoError(t, err)
	got.LineItems[0].Quantity = 99
	got.FormData["a"] = "changed"

	again, err := m.Requests().GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.LineItems[0].Quantity)
	assert.Equal(t, "b", again.FormData["a"])
	assert.Equal(t, "tent", again.LineItems[0].ItemName)
}

func TestMemory_CodeExistsCoversHistory(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	inserted, err := m.History().Insert(ctx, &domain.HistoryEntry{TransactionCode: "ER-0001", RecordedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = m.History().Insert(ctx, &domain.HistoryEntry{TransactionCode: "ER-0001"})
	require.NoError(t, err)
	assert.False(t, inserted)

	taken, err := m.Requests().CodeExists(ctx, "ER-0001")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = m.Requests().CodeExists(ctx, "ER-0002")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestMemory_ResidentDirectory(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()
	m.AddResidents("7")
	m.SetActiveIdentity("12", "RFID-0001")

	for id, want := range map[string]bool{"7": true, "12": true, "99": false} {
		exists, err := m.Identities().RequesterExists(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, exists, id)
	}

	uid, err := m.Identities().ActiveIdentityUID(ctx, "7")
	require.NoError(t, err)
	assert.Nil(t, uid)
}

func TestClampRelease(t *testing.T) {
	tests := []struct {
		available, qty, total int
		want                  int
		clamped               bool
	}{
		{3, 2, 5, 5, false},
		{0, 1, 5, 1, false},
		{4, 4, 5, 5, true},
	}
	for _, tt := range tests {
		got, clamped := clampRelease(tt.available, tt.qty, tt.total)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.clamped, clamped)
	}
}

func TestRetotal(t *testing.T) {
	it := domain.ResourceItem{TotalQuantity: 5, AvailableQuantity: 2}

	available, err := retotal(it, 8)
	require.NoError(t, err)
	assert.Equal(t, 5, available)

	_, err = retotal(it, 2)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = retotal(it, -1)
	require.ErrorIs(t, err, domain.ErrValidation)
}
