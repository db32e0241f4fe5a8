// Package blob stores uploaded files such as page photos.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNoSigning is returned by SignedURL when the store cannot sign links.
var ErrNoSigning = errors.New("blob: signed urls unavailable")

// Store is a blob bucket.
type Store interface {
	Upload(ctx context.Context, name string, r io.Reader, contentType string) error
	SignedURL(ctx context.Context, name string, ttl time.Duration) (string, error)
	PublicURL(name string) string
	// NameOf maps a URL produced by the store back to the blob name.
	NameOf(url string) (string, bool)
	Remove(ctx context.Context, names ...string) error
}

// PhotoName builds "<owner>/<unixms>_<random>.<ext>".
func PhotoName(owner string, now time.Time, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "bin"
	}
	rnd := strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")[:8]
	return fmt.Sprintf("%s/%d_%s.%s", owner, now.UnixMilli(), rnd, ext)
}

// CleanName validates a blob name: relative, slash separated, no dot segments.
func CleanName(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return "", fmt.Errorf("blob: invalid name %q", name)
	}
	clean := path.Clean(name)
	if clean != name || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", fmt.Errorf("blob: invalid name %q", name)
	}
	return clean, nil
}
