package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// FSStore is a filesystem-backed BlobStore minting HMAC-signed, time-limited
// access URLs.
type FSStore struct {
	rootDir    string
	baseURL    string
	signingKey []byte
	urlTTL     time.Duration
	nowFn      func() time.Time
}

// NewFSStore wires an FSStore rooted at rootDir.
func NewFSStore(rootDir string, baseURL string, signingKey []byte, urlTTL time.Duration, now func() time.Time) (*FSStore, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("fs store: root dir is required")
	}
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("fs store: signing key is required")
	}
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("fs store: %w", err)
	}
	return &FSStore{
		rootDir:    rootDir,
		baseURL:    baseURL,
		signingKey: signingKey,
		urlTTL:     urlTTL,
		nowFn:      now,
	}, nil
}

// FetchObject reads the object at path.
func (store *FSStore) FetchObject(ctx context.Context, path string) ([]byte, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(store.diskPath(path))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch object: %w", err)
	}
	return data, nil
}

// StoreObject writes the object at path, creating parent directories.
func (store *FSStore) StoreObject(ctx context.Context, path string, data []byte) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	diskPath := store.diskPath(path)
	if err := os.MkdirAll(filepath.Dir(diskPath), 0o755); err != nil {
		return fmt.Errorf("store object: %w", err)
	}
	if err := os.WriteFile(diskPath, data, 0o644); err != nil {
		return fmt.Errorf("store object: %w", err)
	}
	return nil
}

// SignedURL mints a time-limited access URL for path.
func (store *FSStore) SignedURL(path string) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	expiresAt := store.nowFn().Add(store.urlTTL).Unix()
	signature := store.sign(path, expiresAt)
	return fmt.Sprintf("%s/files/%s?expires=%d&signature=%s", store.baseURL, path, expiresAt, signature), nil
}

// VerifySignedPath checks the signature and expiry minted by SignedURL.
func (store *FSStore) VerifySignedPath(path string, expiresRaw string, signature string) error {
	expiresAt, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return ErrInvalidPath
	}
	if store.nowFn().Unix() > expiresAt {
		return fmt.Errorf("%w: url expired", ErrInvalidPath)
	}
	expected := store.sign(path, expiresAt)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: bad signature", ErrInvalidPath)
	}
	return nil
}

func (store *FSStore) sign(path string, expiresAt int64) string {
	mac := hmac.New(sha256.New, store.signingKey)
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write([]byte(strconv.FormatInt(expiresAt, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (store *FSStore) diskPath(path string) string {
	return filepath.Join(store.rootDir, filepath.FromSlash(path))
}
