// Package attachments stores task images as content-addressed blobs under
// the workspace state directory, with metadata rows in the store.
package attachments

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/store"
)

// Manager writes blobs under <stateDir>/attachments and keeps their rows in
// the store in sync.
type Manager struct {
	store    *store.Store
	blobRoot string
	log      *logger.Logger
}

// New builds a manager rooted at the workspace state directory.
func New(st *store.Store, stateDir string, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		blobRoot: filepath.Join(stateDir, "attachments"),
		log:      log.WithFields(zap.String("component", "attachments")),
	}
}

// CreateInput describes an uploaded image.
type CreateInput struct {
	Bytes       []byte
	Filename    string
	ContentType string
}

// Create stores the bytes content-addressed and returns the attachment row.
// Re-uploading identical bytes returns the existing row and leaves the
// single blob in place.
func (m *Manager) Create(ctx context.Context, input CreateInput) (*store.Attachment, error) {
	if len(input.Bytes) == 0 {
		return nil, store.NewValidationError("bytes", "must not be empty")
	}
	if !store.IsAllowedAttachmentType(input.ContentType) {
		return nil, store.NewValidationError("contentType", "unsupported content type "+input.ContentType)
	}

	sum := sha256.Sum256(input.Bytes)
	sha := hex.EncodeToString(sum[:])
	key := blobKey(sha, input.ContentType)

	width, height := probeDimensions(input.Bytes)

	att, err := m.store.UpsertAttachment(ctx, &store.Attachment{
		ID:          uuid.New().String(),
		SHA256:      sha,
		ContentType: input.ContentType,
		SizeBytes:   int64(len(input.Bytes)),
		Width:       width,
		Height:      height,
		Filename:    input.Filename,
		StorageKey:  key,
		Kind:        "image",
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if err := m.writeBlob(key, input.Bytes); err != nil {
		return nil, fmt.Errorf("write attachment blob: %w", err)
	}
	return att, nil
}

// Read returns the blob bytes for an attachment.
func (m *Manager) Read(att *store.Attachment) ([]byte, error) {
	return os.ReadFile(filepath.Join(m.blobRoot, filepath.FromSlash(att.StorageKey)))
}

// BlobPath returns the absolute path of an attachment's blob.
func (m *Manager) BlobPath(att *store.Attachment) string {
	return filepath.Join(m.blobRoot, filepath.FromSlash(att.StorageKey))
}

// CollectGarbage deletes attachment rows with no task links and removes
// their blobs. Returns the number of attachments removed.
func (m *Manager) CollectGarbage(ctx context.Context) (int, error) {
	orphans, err := m.store.ListUnlinkedAttachments(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, att := range orphans {
		if err := m.store.DeleteAttachment(ctx, att.ID); err != nil {
			m.log.Warn("failed to delete attachment row",
				zap.String("attachment_id", att.ID), zap.Error(err))
			continue
		}
		path := m.BlobPath(att)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.log.Warn("failed to remove attachment blob",
				zap.String("path", path), zap.Error(err))
		}
		removed++
	}
	return removed, nil
}

// writeBlob creates the blob if missing. An existing blob with the same key
// has the same content by construction, so it is left untouched.
func (m *Manager) writeBlob(key string, data []byte) error {
	path := filepath.Join(m.blobRoot, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(data)
	return err
}

// blobKey is "<sha[0:2]>/<sha>.<ext>", with the extension derived from the
// content type.
func blobKey(sha, contentType string) string {
	return sha[:2] + "/" + sha + extensionFor(contentType)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	return ".bin"
}

// probeDimensions decodes only the image header. Undecodable input yields
// zero dimensions rather than an error; the bytes are stored regardless.
func probeDimensions(data []byte) (width, height int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
