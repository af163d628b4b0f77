package memory

import (
	"testing"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShareStore(now *time.Time) *ShareStore {
	ss := NewShareStore(30 * time.Minute)
	ss.now = func() time.Time { return *now }
	return ss
}

func TestShareStore_CreateResolve(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ss := newTestShareStore(&now)

	files := []model.FileInfo{{Name: "a.txt", Size: 3, Type: "text/plain"}}
	entry, err := ss.Create("ab12cd34", files, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, "AB12CD34", entry.Code)
	assert.Equal(t, now.Add(30*time.Minute), entry.ExpiresAt)

	got, err := ss.Resolve("Ab12Cd34")
	require.NoError(t, err)
	assert.Equal(t, files, got.Files)
	assert.Equal(t, "ep-1", got.OwnerEndpointID)

	_, err = ss.Resolve("ZZZZZZZZ")
	assert.ErrorIs(t, err, ErrShareNotFound)
}

func TestShareStore_ExpiryBoundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ss := newTestShareStore(&now)

	_, err := ss.Create("CODE0001", nil, "ep-1")
	require.NoError(t, err)

	now = now.Add(30*time.Minute - time.Millisecond)
	_, err = ss.Resolve("CODE0001")
	require.NoError(t, err)

	now = now.Add(time.Millisecond)
	_, err = ss.Resolve("CODE0001")
	assert.ErrorIs(t, err, ErrShareExpired)

	// expired entries are gone afterwards
	_, err = ss.Resolve("CODE0001")
	assert.ErrorIs(t, err, ErrShareNotFound)
}

func TestShareStore_Expired31Minutes(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ss := newTestShareStore(&now)

	_, err := ss.Create("CODE0002", nil, "ep-1")
	require.NoError(t, err)

	now = now.Add(31 * time.Minute)
	_, err = ss.Resolve("CODE0002")
	assert.ErrorIs(t, err, ErrShareExpired)
}

func TestShareStore_InvalidCodes(t *testing.T) {
	now := time.Now()
	ss := newTestShareStore(&now)

	for _, code := range []string{"", "SHORT", "TOOLONGCODE", "ABC-1234", "ÄBCD1234"} {
		_, err := ss.Create(code, nil, "ep")
		assert.ErrorIs(t, err, ErrInvalidShareCode, code)
	}
}

func TestShareStore_CancelAndDropOwner(t *testing.T) {
	now := time.Now()
	ss := newTestShareStore(&now)

	_, err := ss.Create("AAAA0001", nil, "ep-1")
	require.NoError(t, err)
	_, err = ss.Create("AAAA0002", nil, "ep-1")
	require.NoError(t, err)
	_, err = ss.Create("AAAA0003", nil, "ep-2")
	require.NoError(t, err)

	assert.ErrorIs(t, ss.Cancel("AAAA0003", "ep-1"), ErrNotShareOwner)
	require.NoError(t, ss.Cancel("aaaa0003", "ep-2"))
	assert.ErrorIs(t, ss.Cancel("AAAA0003", "ep-2"), ErrShareNotFound)

	assert.Equal(t, 2, ss.DropOwner("ep-1"))
	assert.Zero(t, ss.Count())
}

func TestShareStore_Sweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ss := newTestShareStore(&now)

	_, err := ss.Create("OLD00001", nil, "ep")
	require.NoError(t, err)
	now = now.Add(20 * time.Minute)
	_, err = ss.Create("NEW00001", nil, "ep")
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, ss.Sweep())
	assert.Equal(t, 1, ss.Count())
}
