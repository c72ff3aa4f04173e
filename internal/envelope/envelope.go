// Package envelope implements the encryption worker that consumes the
// task store: it reads a task's blob datasets, rewrites each in place as
// ciphertext, and records provenance in a sidecar dataset next to it.
//
// Scheme: every blob gets a fresh random 256-bit data key and is sealed
// with AES-256-GCM. The data key is wrapped with a wrapping key derived
// from the master key via HKDF-SHA256; only the wrapped key is stored.
// The sidecar carries the wrapped key, both nonces, a plaintext checksum,
// and the key id — enough to decrypt and to audit, never enough to
// decrypt without the master key.
package envelope

import (
	"cmp"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/errgroup"

	"scribevault/internal/logging"
	"scribevault/internal/store"
)

const (
	algorithm = "AES-256-GCM"
	keySize   = 32

	// ProvenanceSuffix names the sidecar dataset written next to each
	// encrypted blob. Its presence marks the blob as ciphertext.
	ProvenanceSuffix = ".enc_meta"

	hkdfInfo = "scribevault/envelope/v1"
)

var (
	ErrMasterKeySize    = errors.New("master key must be 32 bytes")
	ErrNotEncrypted     = errors.New("blob has no encryption provenance")
	ErrChecksumMismatch = errors.New("plaintext checksum mismatch")
)

// Provenance is the sidecar record for one encrypted blob.
type Provenance struct {
	KeyID       uuid.UUID `json:"key_id"`
	Algorithm   string    `json:"algorithm"`
	Nonce       []byte    `json:"nonce"`
	WrapNonce   []byte    `json:"wrap_nonce"`
	WrappedKey  []byte    `json:"wrapped_key"`
	Checksum    string    `json:"plaintext_sha256"`
	EncryptedAt time.Time `json:"encrypted_at"`
}

// TaskStore is the slice of the task store the worker consumes.
type TaskStore interface {
	EnsureTask(session string, t store.TaskType, allowExisting bool) (store.TaskRef, error)
	UpdateMetadata(session string, t store.TaskType, partial map[string]any) error
	ListBlobs(session string, t store.TaskType) ([]string, error)
	ReadBlob(session string, t store.TaskType, name string) ([]byte, error)
	WriteBlob(session string, t store.TaskType, name string, data []byte) error
}

type Config struct {
	// MasterKey is the 32-byte key-encryption key. It is never written to
	// the container.
	MasterKey []byte

	Store TaskStore

	// Parallelism bounds concurrent per-blob encryption. Defaults to 1.
	Parallelism int

	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	// The worker scopes this logger with component="envelope".
	Logger *slog.Logger
}

// Encryptor encrypts and decrypts task blobs in place.
type Encryptor struct {
	store       TaskStore
	wrapAEAD    cipher.AEAD
	parallelism int
	now         func() time.Time
	logger      *slog.Logger
}

func New(cfg Config) (*Encryptor, error) {
	if len(cfg.MasterKey) != keySize {
		return nil, ErrMasterKeySize
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	cfg.Parallelism = cmp.Or(cfg.Parallelism, 1)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	wrapKey := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, cfg.MasterKey, nil, []byte(hkdfInfo)), wrapKey); err != nil {
		return nil, fmt.Errorf("derive wrapping key: %w", err)
	}
	wrapAEAD, err := newAEAD(wrapKey)
	if err != nil {
		return nil, err
	}

	return &Encryptor{
		store:       cfg.Store,
		wrapAEAD:    wrapAEAD,
		parallelism: cfg.Parallelism,
		now:         cfg.Now,
		logger:      logging.Default(cfg.Logger).With("component", "envelope"),
	}, nil
}

// EncryptTask rewrites every blob of the task as ciphertext, tracking
// progress under the session's ENCRYPTION task. Already-encrypted blobs
// (sidecar present) are skipped, so an interrupted run can be resumed.
func (e *Encryptor) EncryptTask(ctx context.Context, session string, t store.TaskType) error {
	if _, err := e.store.EnsureTask(session, store.TaskEncryption, true); err != nil {
		return err
	}

	names, err := e.blobNames(session, t)
	if err != nil {
		return err
	}
	if err := e.store.UpdateMetadata(session, store.TaskEncryption, map[string]any{
		"status":       store.StatusInProgress,
		"total_chunks": len(names),
		"target_task":  t,
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return e.EncryptBlob(session, t, name)
		})
	}
	if err := g.Wait(); err != nil {
		_ = e.store.UpdateMetadata(session, store.TaskEncryption, map[string]any{
			"status": store.StatusFailed,
			"error":  err.Error(),
		})
		return err
	}

	return e.store.UpdateMetadata(session, store.TaskEncryption, map[string]any{
		"status":           store.StatusCompleted,
		"processed_chunks": len(names),
		"progress_percent": 100.0,
	})
}

// EncryptBlob seals one blob in place and writes its provenance sidecar.
// A blob that already has a sidecar is left untouched.
func (e *Encryptor) EncryptBlob(session string, t store.TaskType, name string) error {
	if strings.HasSuffix(name, ProvenanceSuffix) {
		return fmt.Errorf("refusing to encrypt provenance sidecar %q", name)
	}
	if _, err := e.store.ReadBlob(session, t, name+ProvenanceSuffix); err == nil {
		return nil
	}

	plaintext, err := e.store.ReadBlob(session, t, name)
	if err != nil {
		return err
	}

	dataKey := make([]byte, keySize)
	if _, err := rand.Read(dataKey); err != nil {
		return err
	}
	dataAEAD, err := newAEAD(dataKey)
	if err != nil {
		return err
	}
	nonce := make([]byte, dataAEAD.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	wrapNonce := make([]byte, e.wrapAEAD.NonceSize())
	if _, err := rand.Read(wrapNonce); err != nil {
		return err
	}

	checksum := sha256.Sum256(plaintext)
	ciphertext := dataAEAD.Seal(nil, nonce, plaintext, nil)
	prov := Provenance{
		KeyID:       uuid.Must(uuid.NewV7()),
		Algorithm:   algorithm,
		Nonce:       nonce,
		WrapNonce:   wrapNonce,
		WrappedKey:  e.wrapAEAD.Seal(nil, wrapNonce, dataKey, nil),
		Checksum:    hex.EncodeToString(checksum[:]),
		EncryptedAt: e.now().UTC(),
	}
	sidecar, err := json.Marshal(prov)
	if err != nil {
		return err
	}

	// Ciphertext first, sidecar second: the sidecar's presence is the
	// commit point. A crash in between leaves ciphertext without
	// provenance, which the next run re-encrypts from scratch only after
	// the operator restores the blob; the window is accepted because
	// blob rewrites are small and rare.
	if err := e.store.WriteBlob(session, t, name, ciphertext); err != nil {
		return err
	}
	if err := e.store.WriteBlob(session, t, name+ProvenanceSuffix, sidecar); err != nil {
		return err
	}
	e.logger.Debug("blob encrypted", "session", session, "task", t.String(), "blob", name, "key_id", prov.KeyID.String())
	return nil
}

// DecryptBlob unwraps the blob's data key, opens the ciphertext, and
// verifies the plaintext checksum recorded at encryption time.
func (e *Encryptor) DecryptBlob(session string, t store.TaskType, name string) ([]byte, error) {
	sidecar, err := e.store.ReadBlob(session, t, name+ProvenanceSuffix)
	if errors.Is(err, store.ErrBlobNotFound) {
		return nil, fmt.Errorf("blob %s: %w", name, ErrNotEncrypted)
	}
	if err != nil {
		return nil, err
	}
	var prov Provenance
	if err := json.Unmarshal(sidecar, &prov); err != nil {
		return nil, fmt.Errorf("decode provenance: %w", err)
	}

	dataKey, err := e.wrapAEAD.Open(nil, prov.WrapNonce, prov.WrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	dataAEAD, err := newAEAD(dataKey)
	if err != nil {
		return nil, err
	}

	ciphertext, err := e.store.ReadBlob(session, t, name)
	if err != nil {
		return nil, err
	}
	plaintext, err := dataAEAD.Open(nil, prov.Nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}

	checksum := sha256.Sum256(plaintext)
	if hex.EncodeToString(checksum[:]) != prov.Checksum {
		return nil, ErrChecksumMismatch
	}
	return plaintext, nil
}

// blobNames lists the task's blobs excluding provenance sidecars.
func (e *Encryptor) blobNames(session string, t store.TaskType) ([]string, error) {
	all, err := e.store.ListBlobs(session, t)
	if err != nil {
		return nil, err
	}
	names := all[:0]
	for _, name := range all {
		if !strings.HasSuffix(name, ProvenanceSuffix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
