package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Dir keeps blobs as files under Root and serves them below BaseURL.
// Signed links carry an HS256 token bound to the blob name.
type Dir struct {
	Root    string
	BaseURL string
	Key     []byte // nil disables signed links
	log     *zap.Logger
}

var _ Store = (*Dir)(nil)

// NewDir creates root if needed.
func NewDir(root, baseURL string, key []byte, log *zap.Logger) (*Dir, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}
	return &Dir{Root: root, BaseURL: strings.TrimSuffix(baseURL, "/"), Key: key, log: log.Named("blob")}, nil
}

func (d *Dir) file(name string) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.Root, filepath.FromSlash(clean)), nil
}

// Upload writes the blob atomically. An existing blob is an error.
func (d *Dir) Upload(ctx context.Context, name string, r io.Reader, contentType string) (err error) {
	dst, err := d.file(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("blob %s: %w", name, fs.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, readerCtx{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("blob %s: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("blob %s: %w", name, err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("blob %s: %w", name, err)
	}
	d.log.Debug("stored", zap.String("name", name), zap.String("content_type", contentType))
	return nil
}

type readerCtx struct {
	ctx context.Context
	r   io.Reader
}

func (rc readerCtx) Read(p []byte) (int, error) {
	if err := rc.ctx.Err(); err != nil {
		return 0, err
	}
	return rc.r.Read(p)
}

// PublicURL returns the unsigned link of name.
func (d *Dir) PublicURL(name string) string {
	return d.BaseURL + "/" + (&url.URL{Path: name}).EscapedPath()
}

// SignedURL returns a link valid for ttl.
func (d *Dir) SignedURL(_ context.Context, name string, ttl time.Duration) (string, error) {
	if len(d.Key) == 0 {
		return "", ErrNoSigning
	}
	if _, err := CleanName(name); err != nil {
		return "", err
	}
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   name,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := tok.SignedString(d.Key)
	if err != nil {
		return "", fmt.Errorf("blob: sign: %w", err)
	}
	return d.PublicURL(name) + "?token=" + url.QueryEscape(signed), nil
}

// Verify checks a signed link and returns the blob name it grants.
func (d *Dir) Verify(link string) (string, error) {
	name, ok := d.NameOf(link)
	if !ok {
		return "", fmt.Errorf("blob: foreign link %q", link)
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("blob: %w", err)
	}
	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(u.Query().Get("token"), &claims, func(t *jwt.Token) (any, error) {
		return d.Key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("blob: %w", err)
	}
	if claims.Subject != name {
		return "", errors.New("blob: token does not match the link")
	}
	return name, nil
}

// NameOf strips BaseURL and any query from a link of this store.
func (d *Dir) NameOf(link string) (string, bool) {
	rest, ok := strings.CutPrefix(link, d.BaseURL+"/")
	if !ok {
		return "", false
	}
	rest, _, _ = strings.Cut(rest, "?")
	name, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	if _, err := CleanName(name); err != nil {
		return "", false
	}
	return name, true
}

// Remove deletes blobs. Missing blobs are ignored.
func (d *Dir) Remove(_ context.Context, names ...string) error {
	var errList []error
	for _, name := range names {
		f, err := d.file(name)
		if err != nil {
			errList = append(errList, err)
			continue
		}
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errList = append(errList, fmt.Errorf("blob %s: %w", name, err))
		}
	}
	return errors.Join(errList...)
}
