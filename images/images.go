package images

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/dhcgn/newsletter-archive/dom"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	// MaxImageBytes caps a single download.
	MaxImageBytes = 20 << 20
)

var knownExtensions = map[string]string{
	"image/jpeg":    ".jpg",
	"image/jpg":     ".jpg",
	"image/pjpeg":   ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
	"image/bmp":     ".bmp",
	"image/x-icon":  ".ico",
	"image/avif":    ".avif",
	"image/tiff":    ".tiff",
}

type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// Localizer downloads remote images of an email next to its viewer page and
// points the <img> elements at the local copies.
type Localizer struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

func NewLocalizer(opts Options, logger *slog.Logger) *Localizer {
	timeout := opts.Timeout
	if timeout <= 0 || timeout > DefaultTimeout {
		timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Localizer{client: client, userAgent: userAgent, logger: logger}
}

// Localize rewrites every fetchable image of doc to a local img_N file in dir
// and returns the number of images stored. Failed downloads keep the remote
// reference.
func (l *Localizer) Localize(ctx context.Context, doc *html.Node, dir string) int {
	stored := 0
	for _, img := range dom.FindAll(doc, dom.Is(atom.Img)) {
		src, _ := dom.Attr(img, "src")
		target, ok := RemoteURL(src)
		if !ok {
			continue
		}

		name, size, err := l.download(ctx, target, dir, stored)
		if err != nil {
			if l.logger != nil {
				l.logger.Debug("image skipped", "url", target, "err", err)
			}
			continue
		}

		dom.SetAttr(img, "src", name)
		dom.RemoveAttr(img, "srcset")
		stored++
		if l.logger != nil {
			l.logger.Debug("image stored", "url", target, "file", name, "size", humanize.Bytes(uint64(size)))
		}
	}
	return stored
}

// RemoteURL reports whether src is an absolute or protocol-relative HTTP(S)
// URL and returns it with a scheme.
func RemoteURL(src string) (string, bool) {
	src = strings.TrimSpace(src)
	lower := strings.ToLower(src)
	switch {
	case src == "":
		return "", false
	case strings.HasPrefix(lower, "data:"), strings.HasPrefix(lower, "cid:"):
		return "", false
	case strings.HasPrefix(src, "//"):
		return "https:" + src, true
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return src, true
	}
	return "", false
}

func (l *Localizer) download(ctx context.Context, target, dir string, index int) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return "", 0, fmt.Errorf("not an image: %q", resp.Header.Get("Content-Type"))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return "", 0, fmt.Errorf("read body: %w", err)
	}
	if len(data) > MaxImageBytes {
		return "", 0, fmt.Errorf("image larger than %s", humanize.Bytes(MaxImageBytes))
	}

	name := fmt.Sprintf("img_%d%s", index, Extension(mediaType))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", 0, fmt.Errorf("write %s: %w", name, err)
	}
	return name, int64(len(data)), nil
}

// Extension maps an image media type to a file extension, defaulting to .jpg.
func Extension(mediaType string) string {
	if ext, ok := knownExtensions[strings.ToLower(mediaType)]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".jpg"
}
