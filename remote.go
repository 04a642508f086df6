// remote.go: Remote base profiles
//
// A remote item's content is downloaded from its URL with retries and
// exponential backoff. The downloaded document must parse as a mapping
// before it replaces the stored content; on any failure the previous content
// stays in place and generation keeps using it.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
)

// RemoteOptions controls remote profile downloads.
type RemoteOptions struct {
	// Timeout bounds one download including retries.
	// Default: 30 seconds
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first request.
	// Default: 3
	RetryAttempts int

	// RetryDelay is the first backoff delay; it doubles on each retry.
	// Default: 1 second
	RetryDelay time.Duration

	// MaxBytes caps the downloaded document size.
	// Default: 16 MiB
	MaxBytes int64

	UserAgent string
	Headers   map[string]string

	// Client performs the requests. Default: http.DefaultClient
	Client *http.Client
}

// DefaultRemoteOptions returns production download settings.
func DefaultRemoteOptions() RemoteOptions {
	return RemoteOptions{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		MaxBytes:      16 << 20,
		UserAgent:     "verge/1.0",
	}
}

func (o RemoteOptions) withDefaults() RemoteOptions {
	d := DefaultRemoteOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = d.MaxBytes
	}
	if o.UserAgent == "" {
		o.UserAgent = d.UserAgent
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	return o
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// errTooLarge marks a body above MaxBytes. It is never retried.
var errTooLarge = goerrors.New("remote document exceeds size limit")

// RemoteFetcher downloads remote base profiles.
type RemoteFetcher struct {
	opts   RemoteOptions
	audit  *AuditLogger
	logger *slog.Logger
}

// NewRemoteFetcher creates a fetcher. audit and logger may be nil.
func NewRemoteFetcher(opts RemoteOptions, audit *AuditLogger, logger *slog.Logger) *RemoteFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteFetcher{opts: opts.withDefaults(), audit: audit, logger: logger}
}

// Fetch downloads rawURL and checks that it holds a profile document.
func (f *RemoteFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := validateRemoteURL(rawURL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	var data []byte
	var lastErr error
	for attempt := 0; attempt <= f.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := waitForRetry(ctx, backoffDelay(f.opts.RetryDelay, attempt)); err != nil {
				return nil, err
			}
			f.logger.Debug("retrying remote profile download", "url", rawURL, "attempt", attempt, "error", lastErr)
		}

		data, lastErr = f.fetchOnce(ctx, rawURL)
		if lastErr == nil || shouldStopRetrying(lastErr) {
			break
		}
	}
	if lastErr != nil {
		return nil, errors.Wrap(lastErr, ErrCodeRemote, "failed to download remote profile").
			WithContext("url", rawURL)
	}

	if _, err := ParseDocument(data); err != nil {
		return nil, errors.Wrap(err, ErrCodeProfileInvalid, "remote profile is not a valid document").
			WithContext("url", rawURL)
	}
	return data, nil
}

func (f *RemoteFetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	for k, v := range f.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.opts.MaxBytes {
		return nil, errTooLarge
	}
	return data, nil
}

// UpdateProfile downloads the content of a remote item and stores it. On
// failure the stored content is left as it was.
func (f *RemoteFetcher) UpdateProfile(ctx context.Context, store *ProfileStore, item ProfileItem) error {
	if item.Type != ItemRemote {
		return errors.New(ErrCodeProfileInvalid, "only remote items can be updated").
			WithContext("uid", item.UID)
	}
	if item.URL == "" {
		return errors.New(ErrCodeProfileInvalid, "remote item has no url").
			WithContext("uid", item.UID)
	}

	data, err := f.Fetch(ctx, item.URL)
	if err == nil {
		err = store.WriteContent(item, data)
	}
	f.audit.LogRemote(item.UID, item.URL, err)
	if err != nil {
		f.logger.Warn("remote profile update failed, keeping previous content", "uid", item.UID, "error", err)
		return err
	}
	f.logger.Info("remote profile updated", "uid", item.UID, "bytes", len(data))
	return nil
}

// RefreshRemoteProfile updates uid through fetcher, records the update time
// in the registry and persists it. It reports whether uid is the current
// base profile, in which case the caller should re-apply.
func RefreshRemoteProfile(ctx context.Context, registry *Registry, store *ProfileStore, fetcher *RemoteFetcher, uid string) (bool, error) {
	profiles := registry.Profiles().Latest().Value()
	item, ok := profiles.GetItem(uid)
	if !ok {
		return false, errors.New(ErrCodeItemNotFound, "item not found").WithContext("uid", uid)
	}
	if err := fetcher.UpdateProfile(ctx, store, item); err != nil {
		return false, err
	}

	now := timecache.CachedTime().Unix()
	if _, err := registry.Profiles().Update(func(p *Profiles) error {
		return p.MarkUpdated(uid, now)
	}); err != nil {
		return false, err
	}
	if err := registry.SaveProfiles(store); err != nil {
		return false, err
	}
	return profiles.Current == uid, nil
}

func validateRemoteURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, ErrCodeProfileInvalid, "invalid remote url").
			WithContext("url", rawURL)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New(ErrCodeProfileInvalid, "remote url must be http or https").
			WithContext("url", rawURL)
	}
	return nil
}

// backoffDelay is base * 2^(attempt-1), capped to avoid overflow.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	return base * time.Duration(1<<shift)
}

func waitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), ErrCodeTimeout, "remote download timed out during retry")
	}
}

// shouldStopRetrying reports whether err is permanent: context errors,
// oversize bodies and 4xx responses other than 408 and 429.
func shouldStopRetrying(err error) bool {
	if goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if goerrors.Is(err, errTooLarge) {
		return true
	}
	var status *StatusError
	if goerrors.As(err, &status) {
		code := status.StatusCode
		return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
	}
	return false
}
