package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/mediaflow/internal/domain"
)

var ErrUnsupportedMedia = errors.New("unsupported media")

// HTTPFetcher downloads direct media links. Quality cannot be negotiated over
// plain HTTP; only the container is checked against the response content type.
type HTTPFetcher struct {
	Client    *http.Client
	OutputDir string
	UserAgent string
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request, report func(int)) (string, error) {
	if strings.TrimSpace(f.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}
	if err := os.MkdirAll(f.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", acceptHeader(req.Format))
	if f.UserAgent != "" {
		httpReq.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("source returned status=%d", resp.StatusCode)
	}
	if err := negotiate(req.Format, resp.Header.Get("Content-Type")); err != nil {
		return "", err
	}

	part, err := os.CreateTemp(f.OutputDir, "."+sanitizePathToken(req.JobID)+"-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = part.Close()
			_ = os.Remove(part.Name())
		}
	}()

	report(0)
	if err := copyWithProgress(ctx, part, resp.Body, resp.ContentLength, report); err != nil {
		return "", err
	}
	if err := part.Sync(); err != nil {
		return "", fmt.Errorf("sync output: %w", err)
	}
	if err := part.Close(); err != nil {
		return "", fmt.Errorf("close output: %w", err)
	}

	final := filepath.Join(f.OutputDir, sanitizePathToken(req.JobID)+"."+req.Format.Extension())
	if err := os.Rename(part.Name(), final); err != nil {
		return "", fmt.Errorf("finalize output: %w", err)
	}
	keep = true

	report(100)
	return final, nil
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, report func(int)) error {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			written += int64(n)
			if total > 0 {
				// Hold 100 back until the file is finalized.
				report(min(int(written*100/total), 99))
			} else {
				report(0)
			}
		}
		if readErr == io.EOF {
			if total > 0 && written < total {
				return fmt.Errorf("read body: %w", io.ErrUnexpectedEOF)
			}
			return nil
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read body: %w", readErr)
		}
	}
}

func acceptHeader(format domain.Format) string {
	types := format.MediaTypes()
	if len(types) == 0 {
		return "*/*"
	}
	return strings.Join(types, ", ") + ", application/octet-stream;q=0.5, */*;q=0.1"
}

// negotiate rejects responses that cannot be stored as the requested format
// without transcoding.
func negotiate(format domain.Format, contentType string) error {
	if strings.TrimSpace(contentType) == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil
	}

	switch {
	case mediaType == "application/octet-stream", mediaType == "binary/octet-stream":
		return nil
	case mediaType == "text/html", strings.HasPrefix(mediaType, "text/"):
		return fmt.Errorf("%w: source is a %s page, not a media file", ErrUnsupportedMedia, mediaType)
	case strings.HasPrefix(mediaType, "audio/"), strings.HasPrefix(mediaType, "video/"):
		for _, accepted := range format.MediaTypes() {
			if mediaType == accepted {
				return nil
			}
		}
		return fmt.Errorf("%w: source offers %s, requested %s", ErrUnsupportedMedia, mediaType, format)
	default:
		return nil
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
