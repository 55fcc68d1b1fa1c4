// Package upload streams locally held share files to URLs handed out by the
// Central API.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"riptide/agent/pkg/store"
)

var (
	// ErrExhausted means every attempt failed.
	ErrExhausted = errors.New("upload: attempts exhausted")
	// ErrDuplicate means an upload to the same URL is already running.
	ErrDuplicate = errors.New("upload: already in flight")
	// ErrLocalFile means the backing file could not be opened; it is not retried.
	ErrLocalFile = errors.New("upload: local file unavailable")
	// ErrClosed means the Uploader was closed.
	ErrClosed = errors.New("upload: uploader closed")
)

const defaultDedupTTL = 10 * time.Minute

type Config struct {
	// Root is the file store location; files live at Root/<file_id>.
	Root          string
	MaxAttempts   int
	RetryInterval time.Duration
	// DedupTTL bounds how long a URL stays claimed if an upload never releases it.
	DedupTTL time.Duration
	Client   *http.Client
	Logger   *log.Logger
}

// Uploader performs bounded-attempt streaming uploads. It is safe for
// concurrent use.
type Uploader struct {
	root        string
	maxAttempts int
	interval    time.Duration
	client      *http.Client
	logger      *log.Logger

	mu       sync.Mutex
	inflight *ttlworker.Cache[string, time.Time]
	closed   bool
}

func New(cfg Config) *Uploader {
	u := &Uploader{
		root:        cfg.Root,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.RetryInterval,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}
	if u.maxAttempts < 1 {
		u.maxAttempts = 1
	}
	if u.client == nil {
		u.client = &http.Client{}
	}
	if u.logger == nil {
		u.logger = log.Default()
	}
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	u.inflight = ttlworker.NewCache[string, time.Time](ttl)
	return u
}

// Upload POSTs Root/<fileID> to url, retrying up to MaxAttempts times.
func (u *Uploader) Upload(ctx context.Context, fileID uint32, url string) error {
	if err := u.claim(url); err != nil {
		if errors.Is(err, ErrDuplicate) {
			u.logger.Warn("upload already in flight", "file_id", fileID, "url", url)
		}
		return err
	}
	defer u.release(url)

	path := store.FilePath(u.root, fileID)
	limit := rate.Inf
	if u.interval > 0 {
		limit = rate.Every(u.interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	var lastErr error
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("upload %d: %w", fileID, err)
		}
		start := time.Now()
		err := u.post(ctx, path, url)
		if err == nil {
			u.logger.Info("upload complete", "file_id", fileID, "attempt", attempt, "elapsed", time.Since(start))
			return nil
		}
		if errors.Is(err, ErrLocalFile) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("upload %d: %w", fileID, ctx.Err())
		}
		lastErr = err
		u.logger.Warn("upload attempt failed", "file_id", fileID, "attempt", attempt, "max", u.maxAttempts, "err", err)
	}
	return fmt.Errorf("%w: file %d after %d attempts: %w", ErrExhausted, fileID, u.maxAttempts, lastErr)
}

func (u *Uploader) post(ctx context.Context, path, url string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocalFile, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", ErrLocalFile, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
	if err != nil {
		f.Close()
		return fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (u *Uploader) claim(url string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	if !u.inflight.Get(url).IsZero() {
		return ErrDuplicate
	}
	u.inflight.Set(url, time.Now())
	return nil
}

func (u *Uploader) release(url string) {
	u.mu.Lock()
	if !u.closed {
		u.inflight.Delete(url)
	}
	u.mu.Unlock()
}

// InFlight reports whether an upload to url is currently running.
func (u *Uploader) InFlight(url string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.closed && !u.inflight.Get(url).IsZero()
}

// Close stops the dedup cache's gc goroutine. Uploads started afterwards
// fail with ErrClosed. Close is idempotent.
func (u *Uploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.inflight.Destroy()
	return nil
}
