package download

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// MaxFileSize caps one downloaded file.
const MaxFileSize = 32 * 1024 * 1024

var filenameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// FileInfo describes a completed download.
type FileInfo struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// Downloader fetches remote files into a local downloads directory on
// behalf of extensions. It never follows the connection-auth path; a
// download is always unauthenticated.
type Downloader struct {
	client *resty.Client
	dir    string
}

// New creates a downloader rooted at dir, creating it if needed.
func New(dir string, timeout time.Duration) (*Downloader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Downloader{
		client: resty.New().SetTimeout(timeout),
		dir:    dir,
	}, nil
}

// Download fetches url into the downloads directory. An empty filename gets
// a generated one; the content type is sniffed from the bytes, not trusted
// from the response headers.
func (d *Downloader) Download(ctx context.Context, url, filename string) (*FileInfo, error) {
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	if filename == "" {
		filename = "dl-" + uuid.NewString()
	}
	if !filenameRe.MatchString(filename) {
		return nil, fmt.Errorf("invalid filename %q", filename)
	}

	resp, err := d.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode())
	}

	body := resp.Body()
	if len(body) > MaxFileSize {
		return nil, fmt.Errorf("download %s: %d bytes exceeds limit", url, len(body))
	}

	path := filepath.Join(d.dir, filename)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return nil, fmt.Errorf("save download: %w", err)
	}

	return &FileInfo{
		Path:        path,
		Size:        int64(len(body)),
		ContentType: mimetype.Detect(body).String(),
	}, nil
}
