package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrNotFound is returned by Load when no session has been saved yet.
var ErrNotFound = errors.New("session not found")

// Store persists sessions between runs so a warm session survives
// process restarts, plus the failure screenshots taken during logins.
type Store interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	SaveScreenshot(ctx context.Context, name string, png []byte) error
}

const (
	sessionObject    = "session/session.json"
	screenshotPrefix = "screenshots/"
)

// FileStore keeps the session on local disk, for development and the
// one-shot CLI.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, screenshotPrefix), 0o700); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) Load(_ context.Context) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, "session.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session file: %w", err)
	}
	return &s, nil
}

func (f *FileStore) Save(_ context.Context, s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, "session.json"), data, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return nil
}

func (f *FileStore) SaveScreenshot(_ context.Context, name string, png []byte) error {
	if err := os.WriteFile(filepath.Join(f.dir, screenshotPrefix, name), png, 0o600); err != nil {
		return fmt.Errorf("writing screenshot: %w", err)
	}
	return nil
}

// GCSStore keeps the session in a Cloud Storage bucket so a session
// established on one instance is reusable by the next.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore opens a store over the given bucket. credentialsJSON may
// be nil, in which case Application Default Credentials apply.
func NewGCSStore(ctx context.Context, bucket string, credentialsJSON []byte) (*GCSStore, error) {
	var opts []option.ClientOption
	if len(credentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(credentialsJSON))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (g *GCSStore) Load(ctx context.Context) (*Session, error) {
	rc, err := g.client.Bucket(g.bucket).Object(sessionObject).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading gs://%s/%s: %w", g.bucket, sessionObject, err)
	}
	defer rc.Close()

	var s Session
	if err := json.NewDecoder(rc).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding session object: %w", err)
	}
	return &s, nil
}

func (g *GCSStore) Save(ctx context.Context, s *Session) error {
	w := g.client.Bucket(g.bucket).Object(sessionObject).NewWriter(ctx)
	w.ContentType = "application/json"
	if err := json.NewEncoder(w).Encode(s); err != nil {
		_ = w.Close()
		return fmt.Errorf("encoding session object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing session upload: %w", err)
	}
	return nil
}

func (g *GCSStore) SaveScreenshot(ctx context.Context, name string, png []byte) error {
	w := g.client.Bucket(g.bucket).Object(screenshotPrefix + name).NewWriter(ctx)
	w.ContentType = "image/png"
	if _, err := w.Write(png); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing screenshot object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing screenshot upload: %w", err)
	}
	return nil
}

// Close releases the underlying storage client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*GCSStore)(nil)
)
