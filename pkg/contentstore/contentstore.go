package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/google/uuid"

	"fileguard/pkg/domain"
	"fileguard/pkg/storage"
	"fileguard/pkg/store"
)

var (
	// ErrIntegrity is returned by the reader from Open when the bytes read
	// do not hash to the expected content hash.
	ErrIntegrity = errors.New("content integrity check failed")
	// ErrNotFound is returned when no object exists for the given
	// (tenant, department, hash) triple.
	ErrNotFound = errors.New("content not found")
	// ErrStorageUnavailable marks transient backend failures; callers may
	// retry.
	ErrStorageUnavailable = errors.New("object storage unavailable")
)

// ObjectKey is the canonical storage key for committed content.
// Dedup scope is one department within one tenant; departments never share
// physical copies even for identical bytes.
func ObjectKey(tenantID, departmentID, hash string) string {
	return fmt.Sprintf("content/%s/%s/%s", tenantID, departmentID, hash)
}

// QuarantineKey is the storage key content moves to when quarantined.
func QuarantineKey(tenantID, departmentID, hash string) string {
	return fmt.Sprintf("quarantine/%s/%s/%s", tenantID, departmentID, hash)
}

func stagingKey(id string) string {
	return "staging/" + id
}

// PutResult reports the outcome of a content write.
type PutResult struct {
	ContentHash  string
	SizeBytes    int64
	Deduplicated bool
}

// ContentStore is the content-addressed storage layer. Bytes live in object
// storage under hash-derived keys; the database tracks identity and
// reference counts.
type ContentStore struct {
	store   store.Store
	objects storage.ObjectStore
}

// New wires a content store over its two backends.
func New(st store.Store, objects storage.ObjectStore) *ContentStore {
	return &ContentStore{store: st, objects: objects}
}

// Put streams content into storage and commits it under its SHA-256 hash.
// The stream is written once to a staging key while hashing; the hash is only
// known at EOF. Bytes are promoted to the content key before the database row
// registers, so a row is never visible without its bytes and a dedup
// reference can never dangle. Concurrent uploads of the same new content each
// promote identical bytes to the same key, then race on the row; the single
// winner owns the new reference, every loser increments the count.
func (c *ContentStore) Put(ctx context.Context, tenantID, departmentID string, r io.Reader) (PutResult, error) {
	staging := stagingKey(uuid.NewString())
	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(r, hasher)}

	if err := c.objects.Put(ctx, staging, counter, -1); err != nil {
		return PutResult{}, fmt.Errorf("stage content: %w: %w", ErrStorageUnavailable, err)
	}
	contentHash := hex.EncodeToString(hasher.Sum(nil))
	size := counter.n

	if err := c.objects.Copy(ctx, staging, ObjectKey(tenantID, departmentID, contentHash)); err != nil {
		_ = c.objects.Delete(ctx, staging)
		return PutResult{}, fmt.Errorf("commit content: %w: %w", ErrStorageUnavailable, err)
	}
	_ = c.objects.Delete(ctx, staging)

	created, err := c.store.CreateObjectIfAbsent(domain.StoredObject{
		TenantID:     tenantID,
		DepartmentID: departmentID,
		ContentHash:  contentHash,
		SizeBytes:    size,
		RefCount:     1,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		// Committed bytes stay put; the next upload of this content reuses
		// the key and only the row insert is retried.
		return PutResult{}, fmt.Errorf("register content: %w", err)
	}
	if created {
		return PutResult{ContentHash: contentHash, SizeBytes: size}, nil
	}

	if err := c.store.RetainObject(tenantID, departmentID, contentHash); err != nil {
		return PutResult{}, fmt.Errorf("retain content: %w", err)
	}
	return PutResult{ContentHash: contentHash, SizeBytes: size, Deduplicated: true}, nil
}

// Open returns a reader over committed content. The reader hashes bytes as
// they pass through and fails with ErrIntegrity at EOF if storage returned
// bytes that no longer match the recorded hash.
func (c *ContentStore) Open(ctx context.Context, tenantID, departmentID, contentHash string) (io.ReadCloser, error) {
	if _, ok, err := c.store.GetObject(tenantID, departmentID, contentHash); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotFound
	}
	rc, err := c.objects.Get(ctx, ObjectKey(tenantID, departmentID, contentHash))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return &verifyingReader{rc: rc, hasher: sha256.New(), want: contentHash}, nil
}

// Retain adds a reference for an additional file record sharing the content.
func (c *ContentStore) Retain(tenantID, departmentID, contentHash string) error {
	if err := c.store.RetainObject(tenantID, departmentID, contentHash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Release drops a reference. When the count reaches zero the bytes and the
// tracking row are reclaimed; the row is removed last so a failed byte
// delete leaves the object discoverable for a retry.
func (c *ContentStore) Release(ctx context.Context, tenantID, departmentID, contentHash string) error {
	remaining, err := c.store.ReleaseObject(tenantID, departmentID, contentHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if remaining > 0 {
		return nil
	}
	if err := c.objects.Delete(ctx, ObjectKey(tenantID, departmentID, contentHash)); err != nil {
		return fmt.Errorf("reclaim content bytes: %w", err)
	}
	return c.store.DeleteObject(tenantID, departmentID, contentHash)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type verifyingReader struct {
	rc     io.ReadCloser
	hasher hash.Hash
	want   string
	done   bool
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	if n > 0 {
		v.hasher.Write(p[:n])
	}
	if err == io.EOF && !v.done {
		v.done = true
		if hex.EncodeToString(v.hasher.Sum(nil)) != v.want {
			return n, ErrIntegrity
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	return v.rc.Close()
}
