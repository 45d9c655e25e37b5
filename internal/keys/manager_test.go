package keys

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/models"
)

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// --- in-memory Store ---

type row struct {
	keyID uuid.UUID
	ct    []byte
}

type memStore struct {
	mu     sync.Mutex
	keys   map[uuid.UUID]*models.EncryptionKeyRecord
	rows   map[uuid.UUID]*row
	errLog []*models.ErrorLog
}

func newMemStore() *memStore {
	return &memStore{keys: map[uuid.UUID]*models.EncryptionKeyRecord{}, rows: map[uuid.UUID]*row{}}
}

func (s *memStore) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (s *memStore) ListKeys(context.Context) ([]*models.EncryptionKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.EncryptionKeyRecord
	for _, k := range s.keys {
		if k.State != models.KeyStatePurged {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) InsertKey(_ context.Context, _ pgx.Tx, k *models.EncryptionKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keys {
		if existing.State == models.KeyStateActive && k.State == models.KeyStateActive {
			return errors.New("duplicate active key")
		}
	}
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *memStore) SetKeyState(_ context.Context, _ pgx.Tx, id uuid.UUID, state string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.keys[id]
	k.State = state
	if state == models.KeyStateRetiring {
		k.RetiredAt = &at
	}
	if state == models.KeyStatePurged {
		k.SealedMaterial = nil
	}
	return nil
}

func (s *memStore) CountMetadataByKey(_ context.Context, keyID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.keyID == keyID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) MetadataByKey(_ context.Context, keyID uuid.UUID, limit int) ([]ledger.SealedMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.SealedMetadata
	for id, r := range s.rows {
		if r.keyID == keyID && len(out) < limit {
			out = append(out, ledger.SealedMetadata{TransactionID: id, Ciphertext: r.ct})
		}
	}
	return out, nil
}

func (s *memStore) ReplaceMetadata(_ context.Context, txnID, from, to uuid.UUID, ct []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[txnID]
	if !ok || r.keyID != from {
		return false, nil
	}
	r.keyID, r.ct = to, ct
	return true, nil
}

func (s *memStore) AppendErrorLog(_ context.Context, e *models.ErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errLog = append(s.errLog, e)
	return nil
}

func (s *memStore) put(id uuid.UUID, keyID uuid.UUID, ct []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id] = &row{keyID: keyID, ct: ct}
}

func (s *memStore) get(id uuid.UUID) *row {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.rows[id]
	return &cp
}

// ---------------------------------------------------------------------------

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newManager(t *testing.T, s *memStore) *Manager {
	t.Helper()
	m, err := NewManager(s, "test-kek-secret", 90*24*time.Hour, nil, nil)
	require.NoError(t, err)
	return m
}

func TestCurrentKey_UnavailableBeforeBootstrap(t *testing.T) {
	m := newManager(t, newMemStore())
	_, err := m.CurrentKey()
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.ErrorIs(t, m.Load(context.Background()), ErrKeyUnavailable)
	_, _, err = m.Seal(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestNewManager_RequiresSecret(t *testing.T) {
	_, err := NewManager(newMemStore(), "", time.Hour, nil, nil)
	assert.ErrorIs(t, err, ErrMissingKEK)
}

func TestBootstrap_IsIdempotentAcrossInstances(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	first, err := newManager(t, s).Bootstrap(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(90*24*time.Hour), first.RotateBy)

	second, err := newManager(t, s).Bootstrap(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestSealOpen_RoundTripAndKeyBinding(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	m := newManager(t, s)
	_, err := m.Bootstrap(ctx, t0)
	require.NoError(t, err)

	ct, keyID, err := m.Seal(ctx, []byte(`{"account":"123"}`))
	require.NoError(t, err)
	plain, err := m.Open(ctx, ct, keyID)
	require.NoError(t, err)
	assert.Equal(t, `{"account":"123"}`, string(plain))

	_, err = m.Open(ctx, ct, uuid.New())
	assert.ErrorIs(t, err, ErrUnknownKey)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = m.Open(ctx, tampered, keyID)
	assert.Error(t, err)
}

func TestRotateIfDue(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	m := newManager(t, s)
	k1, err := m.Bootstrap(ctx, t0)
	require.NoError(t, err)

	rotated, err := m.RotateIfDue(ctx, t0.Add(89*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, rotated)

	ct, _, err := m.Seal(ctx, []byte("old"))
	require.NoError(t, err)

	rotated, err = m.RotateIfDue(ctx, k1.RotateBy)
	require.NoError(t, err)
	assert.True(t, rotated)

	k2, err := m.CurrentKey()
	require.NoError(t, err)
	assert.NotEqual(t, k1.ID, k2.ID)

	// The retiring key still decrypts.
	plain, err := m.Open(ctx, ct, k1.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", string(plain))

	_, newKeyID, err := m.Seal(ctx, []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, k2.ID, newKeyID)
}

func TestSeal_PicksUpRotationFromAnotherInstance(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	rotator := newManager(t, s)
	k1, err := rotator.Bootstrap(ctx, t0)
	require.NoError(t, err)

	other := newManager(t, s)
	require.NoError(t, other.Load(ctx))
	other.now = func() time.Time { return t0.Add(time.Hour) }

	rotated, err := rotator.RotateIfDue(ctx, k1.RotateBy)
	require.NoError(t, err)
	require.True(t, rotated)
	k2, err := rotator.CurrentKey()
	require.NoError(t, err)

	// Not yet due on this instance's clock: the cached key is used.
	_, keyID, err := other.Seal(ctx, []byte("early"))
	require.NoError(t, err)
	assert.Equal(t, k1.ID, keyID)

	other.now = func() time.Time { return k1.RotateBy }
	ct, keyID, err := other.Seal(ctx, []byte("late"))
	require.NoError(t, err)
	assert.Equal(t, k2.ID, keyID, "overdue key must be reloaded before sealing")

	plain, err := rotator.Open(ctx, ct, keyID)
	require.NoError(t, err)
	assert.Equal(t, "late", string(plain))
}

func TestPurgeBeforeReencryptIsRefused(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	m := newManager(t, s)
	k1, err := m.Bootstrap(ctx, t0)
	require.NoError(t, err)

	txnID := uuid.New()
	ct, keyID, err := m.Seal(ctx, []byte("dest"))
	require.NoError(t, err)
	s.put(txnID, keyID, ct)

	_, err = m.RotateIfDue(ctx, k1.RotateBy)
	require.NoError(t, err)

	err = m.PurgeRetiring(ctx, k1.RotateBy)
	require.ErrorIs(t, err, ErrPurgeBeforeReencrypt)
	require.Len(t, s.errLog, 1)
	assert.Equal(t, models.ErrCodeKeyPurgeBlocked, s.errLog[0].ErrorCode)

	// Still readable after the refused purge.
	_, err = m.Open(ctx, ct, k1.ID)
	require.NoError(t, err)
}

func TestReencryptThenPurge(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	m := newManager(t, s)
	k1, err := m.Bootstrap(ctx, t0)
	require.NoError(t, err)

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		ct, keyID, err := m.Seal(ctx, []byte("row"))
		require.NoError(t, err)
		s.put(ids[i], keyID, ct)
	}

	_, err = m.RotateIfDue(ctx, k1.RotateBy)
	require.NoError(t, err)
	k2, _ := m.CurrentKey()

	moved, err := m.ReencryptBatch(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, moved)
	moved, err = m.ReencryptBatch(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	require.NoError(t, m.PurgeRetiring(ctx, k1.RotateBy))
	assert.Equal(t, models.KeyStatePurged, s.keys[k1.ID].State)

	for _, id := range ids {
		r := s.get(id)
		assert.Equal(t, k2.ID, r.keyID)
		plain, err := m.Open(ctx, r.ct, r.keyID)
		require.NoError(t, err)
		assert.Equal(t, "row", string(plain))
	}

	_, err = m.Open(ctx, []byte("whatever-long-enough-to-hold-a-nonce"), k1.ID)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestMaintain_DrainsPurgesAndRotatesAgain(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	m := newManager(t, s)
	k1, err := m.Bootstrap(ctx, t0)
	require.NoError(t, err)

	ct, keyID, _ := m.Seal(ctx, []byte("v"))
	s.put(uuid.New(), keyID, ct)

	require.NoError(t, m.Maintain(ctx, k1.RotateBy, 10))
	k2, _ := m.CurrentKey()
	assert.NotEqual(t, k1.ID, k2.ID)

	// Next run drains the retiring key and purges it; no rotation is due yet.
	require.NoError(t, m.Maintain(ctx, k1.RotateBy.Add(time.Hour), 10))
	assert.Equal(t, models.KeyStatePurged, s.keys[k1.ID].State)

	// The following rotation proceeds because nothing is left on a retiring key.
	require.NoError(t, m.Maintain(ctx, k2.RotateBy, 10))
	k3, _ := m.CurrentKey()
	assert.NotEqual(t, k2.ID, k3.ID)
	assert.Empty(t, s.errLog)
}

func TestConcurrentReadersDuringRotation(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	m := newManager(t, s)
	k1, err := m.Bootstrap(ctx, t0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ct, keyID, err := m.Seal(ctx, []byte("p"))
				if !assert.NoError(t, err) {
					return
				}
				plain, err := m.Open(ctx, ct, keyID)
				if !assert.NoError(t, err) || !assert.Equal(t, "p", string(plain)) {
					return
				}
			}
		}()
	}
	_, err = m.RotateIfDue(ctx, k1.RotateBy)
	close(stop)
	wg.Wait()
	require.NoError(t, err)
}
