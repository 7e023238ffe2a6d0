package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-systemtap/internal/types"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
	"golang.org/x/mod/semver"
)

const (
	releasesURL          = "https://api.github.com/repos/oszuidwest/zwfm-systemtap/releases/latest"
	versionCheckInterval = 24 * time.Hour
	versionCheckDelay    = 30 * time.Second // Keeps the first request off the capture start
	versionCheckTimeout  = 30 * time.Second
	versionMaxAttempts   = 3
	versionRetryInitial  = 1 * time.Minute
	versionRetryMax      = 10 * time.Minute
)

// errRetryRelease marks a release lookup that may succeed later.
var errRetryRelease = errors.New("release lookup should be retried")

// VersionChecker polls GitHub for the latest release. It is safe for
// concurrent use; the zero value reports no update.
type VersionChecker struct {
	apiURL string
	client *http.Client

	mu        sync.RWMutex
	latest    string
	etag      string // For conditional requests (304 Not Modified)
	checkedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewVersionChecker returns a VersionChecker that checks for releases in the
// background until Stop is called.
func NewVersionChecker() *VersionChecker {
	ctx, cancel := context.WithCancel(context.Background())
	vc := &VersionChecker{
		apiURL: releasesURL,
		client: &http.Client{Timeout: versionCheckTimeout},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go vc.run(ctx)
	return vc
}

// Stop ends background checks and waits for an in-flight check to return.
func (vc *VersionChecker) Stop() {
	if vc.cancel == nil {
		return
	}
	vc.cancel()
	<-vc.done
}

func (vc *VersionChecker) run(ctx context.Context) {
	defer close(vc.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in version checker", "panic", r)
		}
	}()

	wait := versionCheckDelay
	for {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
		vc.checkWithRetry(ctx)
		wait = versionCheckInterval
	}
}

// checkWithRetry retries transient failures with backoff.
func (vc *VersionChecker) checkWithRetry(ctx context.Context) {
	backoff := util.NewBackoff(versionRetryInitial, versionRetryMax)
	for attempt := 1; ; attempt++ {
		err := vc.check(ctx)
		if err == nil {
			return
		}
		slog.Debug("release check failed", "attempt", attempt, "error", err)
		if !errors.Is(err, errRetryRelease) || attempt == versionMaxAttempts {
			return
		}
		select {
		case <-time.After(backoff.Next()):
		case <-ctx.Done():
			return
		}
	}
}

// githubRelease is the part of the GitHub release document we read.
type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check fetches the latest release once. Errors wrapping errRetryRelease are
// transient.
func (vc *VersionChecker) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.apiURL, http.NoBody)
	if err != nil {
		return util.WrapError("create release request", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "zwfm-systemtap/"+Version)

	vc.mu.RLock()
	etag := vc.etag
	vc.mu.RUnlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := vc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errRetryRelease, err)
	}
	defer util.SafeCloseFunc(resp.Body, "release response body")()

	switch {
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		// Unchanged, or nothing released yet
		vc.markChecked()
		return nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", errRetryRelease, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("release lookup returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return fmt.Errorf("%w: %w", errRetryRelease, util.WrapError("decode release", err))
	}
	if release.Draft || release.Prerelease {
		vc.markChecked()
		return nil
	}
	if release.TagName == "" {
		return fmt.Errorf("%w: release without tag", errRetryRelease)
	}

	latest := normalizeVersion(release.TagName)

	vc.mu.Lock()
	previous := vc.latest
	vc.latest = latest
	if newEtag := resp.Header.Get("ETag"); newEtag != "" {
		vc.etag = newEtag
	}
	vc.checkedAt = time.Now()
	vc.mu.Unlock()

	if latest != previous && updateAvailable(latest, normalizeVersion(Version)) {
		slog.Info("update available", "current", Version, "latest", latest)
	}
	return nil
}

func (vc *VersionChecker) markChecked() {
	vc.mu.Lock()
	vc.checkedAt = time.Now()
	vc.mu.Unlock()
}

// Info returns build information and the latest known release.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	current := normalizeVersion(Version)
	info := types.VersionInfo{
		Current:     current,
		Latest:      vc.latest,
		UpdateAvail: updateAvailable(vc.latest, current),
		Commit:      Commit,
		BuildTime:   util.FormatHumanTime(BuildTime),
	}
	if !vc.checkedAt.IsZero() {
		info.CheckedAt = vc.checkedAt.UTC().Format(time.RFC3339)
	}
	return info
}

// updateAvailable reports whether latest is a newer release than current.
// Development builds never report updates.
func updateAvailable(latest, current string) bool {
	if latest == "" || current == "dev" || current == "unknown" {
		return false
	}
	return isNewerVersion(latest, current)
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// isNewerVersion reports whether latest is newer than current. Both may
// omit the leading "v".
func isNewerVersion(latest, current string) bool {
	return semver.Compare("v"+normalizeVersion(latest), "v"+normalizeVersion(current)) > 0
}
