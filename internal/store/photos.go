package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/vazy-sync/internal/blob"
	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/model"
)

const (
	// MaxPhotoBytes bounds one uploaded photo.
	MaxPhotoBytes = 5 << 20
	// PhotoLinkTTL is the lifetime of signed photo links.
	PhotoLinkTTL = 365 * 24 * time.Hour
)

var (
	ErrNotImage = fmt.Errorf("%w: file is not an image", errs.ErrValidation)
	ErrTooLarge = fmt.Errorf("%w: file exceeds 5 MiB", errs.ErrValidation)
)

// PhotoUploader stores gallery photos in a blob store and attaches them to the page.
type PhotoUploader struct {
	blobs blob.Store
	pages *PageSettingsStore
	owner string
	log   *zap.Logger
	now   func() time.Time
}

// NewPhotoUploader builds the uploader for owner.
func NewPhotoUploader(blobs blob.Store, pages *PageSettingsStore, owner string, log *zap.Logger) *PhotoUploader {
	if log == nil {
		log = zap.NewNop()
	}
	return &PhotoUploader{blobs: blobs, pages: pages, owner: owner, log: log.Named("photos"), now: time.Now}
}

func photoExt(filename, contentType string) string {
	if ext := strings.TrimPrefix(path.Ext(filename), "."); ext != "" {
		return strings.ToLower(ext)
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return strings.TrimPrefix(contentType, "image/")
}

// Upload validates and stores one photo, then appends its link to the gallery.
// It returns the link. When the gallery update is refused the blob is removed.
func (u *PhotoUploader) Upload(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return "", ErrNotImage
	}
	if page := u.pages.Current(); page != nil && len(page.Photos) >= model.MaxPhotos {
		return "", fmt.Errorf("%d photos already: %w", len(page.Photos), errs.ErrCapacity)
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxPhotoBytes+1))
	if err != nil {
		return "", fmt.Errorf("read photo: %w", err)
	}
	if len(data) > MaxPhotoBytes {
		return "", ErrTooLarge
	}

	name := blob.PhotoName(u.owner, u.now(), photoExt(filename, contentType))
	if err := u.blobs.Upload(ctx, name, bytes.NewReader(data), contentType); err != nil {
		return "", fmt.Errorf("upload photo: %w", err)
	}
	link, err := u.blobs.SignedURL(ctx, name, PhotoLinkTTL)
	if err != nil {
		u.log.Info("signed link unavailable, using public link", zap.String("name", name), zap.Error(err))
		link = u.blobs.PublicURL(name)
	}

	if _, err = u.pages.AddPhoto(ctx, link); !applied(err) {
		u.discard(ctx, name)
		return "", err
	}
	return link, err
}

// Remove detaches link from the gallery and deletes its blob.
func (u *PhotoUploader) Remove(ctx context.Context, link string) error {
	_, err := u.pages.RemovePhoto(ctx, link)
	if !applied(err) {
		return err
	}
	if name, ok := u.blobs.NameOf(link); ok {
		u.discard(ctx, name)
	}
	return err
}

func (u *PhotoUploader) discard(ctx context.Context, name string) {
	if err := u.blobs.Remove(context.WithoutCancel(ctx), name); err != nil {
		u.log.Warn("blob removal failed", zap.String("name", name), zap.Error(err))
	}
}
