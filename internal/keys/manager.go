// Package keys manages the symmetric keys that seal payout metadata at rest.
package keys

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/liquidpay/backend/internal/events"
	"github.com/liquidpay/backend/internal/ledger"
	"github.com/liquidpay/backend/internal/metrics"
	"github.com/liquidpay/backend/internal/models"
)

var (
	// ErrKeyUnavailable means no active key exists. Payout processing must not start.
	ErrKeyUnavailable = errors.New("no active encryption key")
	// ErrPurgeBeforeReencrypt means a retiring key still seals live rows.
	ErrPurgeBeforeReencrypt = errors.New("retiring key purge requested before re-encryption completed")
	// ErrUnknownKey means ciphertext references a key that is neither active nor retiring.
	ErrUnknownKey = errors.New("unknown or purged encryption key")
	// ErrMissingKEK is returned when no key-encryption secret is configured.
	ErrMissingKEK = errors.New("key-encryption secret is not configured")
)

// Store is the persistence the manager needs.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	ListKeys(ctx context.Context) ([]*models.EncryptionKeyRecord, error)
	InsertKey(ctx context.Context, tx pgx.Tx, k *models.EncryptionKeyRecord) error
	SetKeyState(ctx context.Context, tx pgx.Tx, id uuid.UUID, state string, at time.Time) error
	CountMetadataByKey(ctx context.Context, keyID uuid.UUID) (int64, error)
	MetadataByKey(ctx context.Context, keyID uuid.UUID, limit int) ([]ledger.SealedMetadata, error)
	ReplaceMetadata(ctx context.Context, txnID, fromKey, toKey uuid.UUID, ciphertext []byte) (bool, error)
	AppendErrorLog(ctx context.Context, e *models.ErrorLog) error
}

var _ Store = (*ledger.Repository)(nil)

// Key is an unsealed metadata key.
type Key struct {
	ID        uuid.UUID
	CreatedAt time.Time
	RotateBy  time.Time
	aead      cipher.AEAD
}

// Manager holds the active key and at most one retiring key. Readers never see
// a half-rotated pair: both are swapped under mu.
type Manager struct {
	store    Store
	kek      cipher.AEAD
	interval time.Duration
	logger   *slog.Logger
	events   events.Publisher
	now      func() time.Time

	rotateMu sync.Mutex
	mu       sync.RWMutex
	active   *Key
	retiring *Key
}

// NewManager derives the key-encryption key from secret.
func NewManager(store Store, secret string, interval time.Duration, logger *slog.Logger, pub events.Publisher) (*Manager, error) {
	if secret == "" {
		return nil, ErrMissingKEK
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	kekBytes := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("payout-metadata-kek")), kekBytes); err != nil {
		return nil, fmt.Errorf("derive kek: %w", err)
	}
	kek, err := chacha20poly1305.NewX(kekBytes)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:    store,
		kek:      kek,
		interval: interval,
		logger:   logger,
		events:   pub,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Load reads persisted keys. It returns ErrKeyUnavailable when none is active.
func (m *Manager) Load(ctx context.Context) error {
	recs, err := m.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	var active, retiring *Key
	for _, rec := range recs {
		k, err := m.unwrap(rec)
		if err != nil {
			return fmt.Errorf("unseal key %s: %w", rec.ID, err)
		}
		switch rec.State {
		case models.KeyStateActive:
			active = k
		case models.KeyStateRetiring:
			retiring = k
		}
	}
	if active == nil {
		return ErrKeyUnavailable
	}
	m.mu.Lock()
	m.active, m.retiring = active, retiring
	m.mu.Unlock()
	return nil
}

// Bootstrap loads keys, generating the first one if none has ever existed.
func (m *Manager) Bootstrap(ctx context.Context, now time.Time) (Key, error) {
	err := m.Load(ctx)
	if err == nil {
		return m.CurrentKey()
	}
	if !errors.Is(err, ErrKeyUnavailable) {
		return Key{}, err
	}
	k, rec, err := m.generate(now)
	if err != nil {
		return Key{}, err
	}
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return Key{}, err
	}
	defer tx.Rollback(ctx)
	if err := m.store.InsertKey(ctx, tx, rec); err != nil {
		return Key{}, fmt.Errorf("insert first key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Key{}, err
	}
	m.mu.Lock()
	m.active = k
	m.mu.Unlock()
	m.logger.Info("generated first metadata key", "key_id", k.ID, "rotate_by", k.RotateBy)
	metrics.KeyRotations.WithLabelValues("bootstrap").Inc()
	return *k, nil
}

// CurrentKey returns the active key.
func (m *Manager) CurrentKey() (Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return Key{}, ErrKeyUnavailable
	}
	return *m.active, nil
}

// Seal encrypts plaintext under the active key and returns the key id used.
// Once the active key is past rotate_by the key set is reloaded first, since
// another instance may already have rotated it.
func (m *Manager) Seal(ctx context.Context, plaintext []byte) ([]byte, uuid.UUID, error) {
	k, err := m.CurrentKey()
	if err != nil {
		return nil, uuid.Nil, err
	}
	if !m.now().Before(k.RotateBy) {
		if err := m.Load(ctx); err != nil {
			m.logger.Warn("reloading overdue metadata key failed", "key_id", k.ID, "error", err)
		} else if k, err = m.CurrentKey(); err != nil {
			return nil, uuid.Nil, err
		}
	}
	ct, err := seal(k.aead, k.ID[:], plaintext)
	return ct, k.ID, err
}

// Open decrypts ciphertext sealed under keyID, reloading once if keyID was
// created by another instance.
func (m *Manager) Open(ctx context.Context, ciphertext []byte, keyID uuid.UUID) ([]byte, error) {
	k := m.lookup(keyID)
	if k == nil {
		if err := m.Load(ctx); err != nil {
			return nil, err
		}
		if k = m.lookup(keyID); k == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
		}
	}
	return open(k.aead, keyID[:], ciphertext)
}

func (m *Manager) lookup(id uuid.UUID) *Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active != nil && m.active.ID == id {
		return m.active
	}
	if m.retiring != nil && m.retiring.ID == id {
		return m.retiring
	}
	return nil
}

// RotateIfDue creates a new active key when now has reached rotate_by. The
// previous active key becomes retiring. A still-populated retiring key blocks
// rotation with ErrPurgeBeforeReencrypt.
func (m *Manager) RotateIfDue(ctx context.Context, now time.Time) (bool, error) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	if err := m.Load(ctx); err != nil {
		return false, err
	}
	cur, err := m.CurrentKey()
	if err != nil {
		return false, err
	}
	if now.Before(cur.RotateBy) {
		return false, nil
	}

	m.mu.RLock()
	hasRetiring := m.retiring != nil
	m.mu.RUnlock()
	if hasRetiring {
		if err := m.purgeRetiringLocked(ctx, now); err != nil {
			return false, fmt.Errorf("rotation blocked: %w", err)
		}
	}

	next, rec, err := m.generate(now)
	if err != nil {
		return false, err
	}
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)
	if err := m.store.SetKeyState(ctx, tx, cur.ID, models.KeyStateRetiring, now); err != nil {
		return false, fmt.Errorf("retire key: %w", err)
	}
	if err := m.store.InsertKey(ctx, tx, rec); err != nil {
		return false, fmt.Errorf("insert key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.retiring = &cur
	m.active = next
	m.mu.Unlock()

	m.logger.Info("rotated metadata key", "key_id", next.ID, "retiring_key_id", cur.ID)
	metrics.KeyRotations.WithLabelValues("rotate").Inc()
	m.events.Publish(events.Event{Type: events.KeyRotated, At: now, Data: map[string]any{"key_id": next.ID.String()}})
	return true, nil
}

// ReencryptBatch moves up to n rows from the retiring key to the active key
// and returns how many moved.
func (m *Manager) ReencryptBatch(ctx context.Context, n int) (int, error) {
	m.mu.RLock()
	active, retiring := m.active, m.retiring
	m.mu.RUnlock()
	if retiring == nil || active == nil {
		return 0, nil
	}

	rows, err := m.store.MetadataByKey(ctx, retiring.ID, n)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, row := range rows {
		plain, err := open(retiring.aead, retiring.ID[:], row.Ciphertext)
		if err != nil {
			m.reportUnusable(ctx, row.TransactionID, retiring.ID, err)
			continue
		}
		ct, err := seal(active.aead, active.ID[:], plain)
		if err != nil {
			return moved, err
		}
		ok, err := m.store.ReplaceMetadata(ctx, row.TransactionID, retiring.ID, active.ID, ct)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	if moved > 0 {
		metrics.KeyRotations.WithLabelValues("reencrypt").Add(float64(moved))
	}
	return moved, nil
}

// PurgeRetiring destroys the retiring key once nothing references it.
func (m *Manager) PurgeRetiring(ctx context.Context, now time.Time) error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()
	return m.purgeRetiringLocked(ctx, now)
}

func (m *Manager) purgeRetiringLocked(ctx context.Context, now time.Time) error {
	m.mu.RLock()
	retiring := m.retiring
	m.mu.RUnlock()
	if retiring == nil {
		return nil
	}

	remaining, err := m.store.CountMetadataByKey(ctx, retiring.ID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		perr := fmt.Errorf("%w: %d rows still sealed under key %s", ErrPurgeBeforeReencrypt, remaining, retiring.ID)
		m.logger.Error("refusing to purge retiring key", "key_id", retiring.ID, "remaining", remaining)
		if logErr := m.store.AppendErrorLog(ctx, &models.ErrorLog{
			ID:         uuid.New(),
			ErrorCode:  models.ErrCodeKeyPurgeBlocked,
			Message:    perr.Error(),
			Data:       []byte(fmt.Sprintf(`{"key_id":%q,"remaining":%d}`, retiring.ID, remaining)),
			Phase:      models.PhaseKeys,
			OccurredAt: now,
		}); logErr != nil {
			m.logger.Error("failed to record purge refusal", "error", logErr)
		}
		return perr
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := m.store.SetKeyState(ctx, tx, retiring.ID, models.KeyStatePurged, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	if m.retiring != nil && m.retiring.ID == retiring.ID {
		m.retiring = nil
	}
	m.mu.Unlock()
	m.logger.Info("purged retiring metadata key", "key_id", retiring.ID)
	metrics.KeyRotations.WithLabelValues("purge").Inc()
	return nil
}

// Maintain is the periodic entry point: drain the retiring key in batches,
// purge it once empty, then rotate if due.
func (m *Manager) Maintain(ctx context.Context, now time.Time, batch int) error {
	if err := m.Load(ctx); err != nil {
		return err
	}
	for {
		moved, err := m.ReencryptBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("re-encrypt: %w", err)
		}
		if moved == 0 {
			break
		}
	}

	m.mu.RLock()
	retiring := m.retiring
	m.mu.RUnlock()
	if retiring != nil {
		remaining, err := m.store.CountMetadataByKey(ctx, retiring.ID)
		if err != nil {
			return err
		}
		// Rows that cannot be opened stay behind; they were reported individually.
		if remaining == 0 {
			if err := m.PurgeRetiring(ctx, now); err != nil {
				return err
			}
		}
	}

	_, err := m.RotateIfDue(ctx, now)
	return err
}

func (m *Manager) reportUnusable(ctx context.Context, txnID, keyID uuid.UUID, cause error) {
	m.logger.Error("metadata cannot be opened for re-encryption", "transaction_id", txnID, "key_id", keyID, "error", cause)
	id := txnID
	if err := m.store.AppendErrorLog(ctx, &models.ErrorLog{
		ID:            uuid.New(),
		ErrorCode:     models.ErrCodeMetadataUnusable,
		Message:       cause.Error(),
		TransactionID: &id,
		Phase:         models.PhaseKeys,
		OccurredAt:    time.Now().UTC(),
	}); err != nil {
		m.logger.Error("failed to record unusable metadata", "error", err)
	}
}

func (m *Manager) generate(now time.Time) (*Key, *models.EncryptionKeyRecord, error) {
	material := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, nil, err
	}
	id := uuid.New()
	aead, err := chacha20poly1305.NewX(material)
	if err != nil {
		return nil, nil, err
	}
	sealed, err := seal(m.kek, id[:], material)
	if err != nil {
		return nil, nil, err
	}
	rotateBy := now.Add(m.interval)
	return &Key{ID: id, CreatedAt: now, RotateBy: rotateBy, aead: aead},
		&models.EncryptionKeyRecord{ID: id, SealedMaterial: sealed, State: models.KeyStateActive, CreatedAt: now, RotateBy: rotateBy},
		nil
}

func (m *Manager) unwrap(rec *models.EncryptionKeyRecord) (*Key, error) {
	material, err := open(m.kek, rec.ID[:], rec.SealedMaterial)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(material)
	if err != nil {
		return nil, err
	}
	return &Key{ID: rec.ID, CreatedAt: rec.CreatedAt, RotateBy: rec.RotateBy, aead: aead}, nil
}

// seal returns nonce || ciphertext, binding ad as associated data.
func seal(aead cipher.AEAD, ad, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

func open(aead cipher.AEAD, ad, sealed []byte) ([]byte, error) {
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, ad)
}
