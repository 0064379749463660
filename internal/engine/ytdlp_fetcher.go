package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/lrstanley/go-ytdlp"
)

// YTDLPFetcher resolves site pages (YouTube and friends) through yt-dlp and
// lets it pick the stream that matches the requested format and quality.
type YTDLPFetcher struct {
	OutputDir  string
	Executable string
	// KeepAlive is how often the last progress value is re-reported while
	// yt-dlp is extracting, merging or post-processing and sends no updates.
	KeepAlive time.Duration
}

// DefaultKeepAlive stays well under DefaultStallTimeout.
const DefaultKeepAlive = 5 * time.Second

// ytdlpPhase tracks whether yt-dlp is inside a byte transfer. Outside of one
// it reports nothing on its own, so the fetcher keeps the stall watchdog fed.
type ytdlpPhase struct {
	mu          sync.Mutex
	downloading bool
	last        int
}

func (p *ytdlpPhase) update(u ytdlp.ProgressUpdate) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	percent := 0
	if u.TotalBytes > 0 {
		percent = min(int(float64(u.DownloadedBytes)/float64(u.TotalBytes)*100), 99)
	}
	p.downloading = u.TotalBytes == 0 || u.DownloadedBytes < u.TotalBytes
	p.last = max(p.last, percent)
	return percent
}

// idle returns the last reported percentage when no transfer is in progress.
func (p *ytdlpPhase) idle() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, !p.downloading
}

func keepAlive(ctx context.Context, every time.Duration, phase *ytdlpPhase, report func(int)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if last, ok := phase.idle(); ok {
				report(last)
			}
		}
	}
}

func (f *YTDLPFetcher) Fetch(ctx context.Context, req Request, report func(int)) (string, error) {
	if strings.TrimSpace(f.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}
	if err := os.MkdirAll(f.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	base := sanitizePathToken(req.JobID)
	dl := ytdlp.New().
		NoPlaylist().
		ForceOverwrites().
		PrintJSON().
		Format(FormatSelector(req.Format, req.Quality)).
		Output(filepath.Join(f.OutputDir, base+".%(ext)s"))
	if req.Format.IsAudio() {
		dl = dl.ExtractAudio().AudioFormat(req.Format.Extension())
	} else {
		dl = dl.MergeOutputFormat(req.Format.Extension())
	}
	if f.Executable != "" {
		dl = dl.SetExecutable(f.Executable)
	}

	phase := &ytdlpPhase{}
	dl = dl.ProgressFunc(DefaultProgressInterval, func(update ytdlp.ProgressUpdate) {
		report(phase.update(update))
	})

	every := f.KeepAlive
	if every <= 0 {
		every = DefaultKeepAlive
	}
	runCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go keepAlive(runCtx, every, phase, report)

	report(0)
	result, err := dl.Run(ctx, req.URL)
	stopKeepAlive()
	if err != nil {
		f.removeOutputs(base)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("yt-dlp: %w", err)
	}

	path, err := f.resolveOutput(result, base, req.Format)
	if err != nil {
		f.removeOutputs(base)
		return "", err
	}
	report(100)
	return path, nil
}

func (f *YTDLPFetcher) resolveOutput(result *ytdlp.Result, base string, format domain.Format) (string, error) {
	expected := filepath.Join(f.OutputDir, base+"."+format.Extension())
	if _, err := os.Stat(expected); err == nil {
		return expected, nil
	}

	if result != nil {
		info, err := result.GetExtractedInfo()
		if err == nil && len(info) > 0 && info[0].Filename != nil {
			if _, statErr := os.Stat(*info[0].Filename); statErr == nil {
				return *info[0].Filename, nil
			}
		}
	}
	return "", fmt.Errorf("yt-dlp finished without producing %s", filepath.Base(expected))
}

func (f *YTDLPFetcher) removeOutputs(base string) {
	matches, err := filepath.Glob(filepath.Join(f.OutputDir, base+".*"))
	if err != nil {
		return
	}
	for _, match := range matches {
		_ = os.Remove(match)
	}
}

// FormatSelector builds the yt-dlp -f expression for a format and quality.
func FormatSelector(format domain.Format, quality domain.Quality) string {
	switch format {
	case domain.FormatMP3:
		return "bestaudio/best"
	case domain.FormatM4A:
		return "bestaudio[ext=m4a]/bestaudio/best"
	case domain.FormatOPUS:
		return "bestaudio[acodec=opus]/bestaudio/best"
	}

	height := ""
	if h := quality.MaxHeight(); h > 0 {
		height = fmt.Sprintf("[height<=%d]", h)
	}

	switch format {
	case domain.FormatMP4:
		return fmt.Sprintf("bv*%[1]s[ext=mp4]+ba[ext=m4a]/b%[1]s[ext=mp4]/bv*%[1]s+ba/b%[1]s", height)
	case domain.FormatWEBM:
		return fmt.Sprintf("bv*%[1]s[ext=webm]+ba[ext=webm]/b%[1]s[ext=webm]/bv*%[1]s+ba/b%[1]s", height)
	default:
		return fmt.Sprintf("bv*%[1]s+ba/b%[1]s", height)
	}
}

// versionCheckTimeout bounds how long Available waits for the yt-dlp binary.
const versionCheckTimeout = 10 * time.Second

// Available reports whether the yt-dlp executable can be started.
func (f *YTDLPFetcher) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, versionCheckTimeout)
	defer cancel()

	dl := ytdlp.New()
	if f.Executable != "" {
		dl = dl.SetExecutable(f.Executable)
	}
	if _, err := dl.Version(ctx); err != nil {
		return fmt.Errorf("yt-dlp unavailable: %w", err)
	}
	return nil
}
