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

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-recorder/internal/device"
	"github.com/oszuidwest/zwfm-recorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-recorder/internal/notify"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

const (
	releaseURL = "https://api.github.com/repos/oszuidwest/zwfm-recorder/releases/latest"

	updateFirstCheck   = 30 * time.Second
	updateInterval     = 24 * time.Hour
	updateTimeout      = 30 * time.Second
	updateAttempts     = 3
	updateRetryInitial = time.Minute
	updateRetryMax     = 10 * time.Minute
)

var (
	errReleaseRetry = errors.New("release lookup should be retried")
	errNoTag        = errors.New("release has no tag")
)

// releaseFunc is called once for every newly published release newer than
// the running build.
type releaseFunc func(latest string)

// updateChecker polls the release feed and reports when the running recorder
// is out of date.
type updateChecker struct {
	url       string
	client    *http.Client
	onRelease releaseFunc

	mu        sync.RWMutex
	latest    string
	etag      string
	announced string

	cancel context.CancelFunc
	done   chan struct{}
}

func newUpdateChecker(url string, client *http.Client, onRelease releaseFunc) *updateChecker {
	return &updateChecker{url: url, client: client, onRelease: onRelease, done: make(chan struct{})}
}

// startUpdateChecker polls GitHub in the background and announces new
// releases in the event log and through the notifier.
func startUpdateChecker(events *eventlog.Logger, notifier *notify.Notifier) *updateChecker {
	uc := newUpdateChecker(releaseURL, http.DefaultClient, func(latest string) {
		msg := fmt.Sprintf("zwfm-recorder %s is available (running %s)", latest, normalizeVersion(Version))
		slog.Info("recorder update available", "latest", latest, "current", Version)
		events.Emit(eventlog.UpdateAvailable, "", msg, nil)
		notifier.Alert(notify.KindUpdateAvailable, msg)
	})
	ctx, cancel := context.WithCancel(context.Background())
	uc.cancel = cancel
	go uc.run(ctx)
	return uc
}

// Stop ends polling and waits for an in-flight lookup to finish.
func (uc *updateChecker) Stop() {
	if uc.cancel == nil {
		return
	}
	uc.cancel()
	<-uc.done
}

func (uc *updateChecker) run(ctx context.Context) {
	defer close(uc.done)

	wait := updateFirstCheck
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		uc.poll(ctx)
		wait = updateInterval
	}
}

// poll looks up the latest release, retrying rate limits and server errors
// with backoff.
func (uc *updateChecker) poll(ctx context.Context) {
	backoff := util.NewBackoff(updateRetryInitial, updateRetryMax)
	for attempt := 1; ; attempt++ {
		err := uc.lookup(ctx)
		if err == nil {
			uc.announce()
			return
		}
		slog.Debug("release lookup failed", "attempt", attempt, "error", err)
		if !errors.Is(err, errReleaseRetry) || attempt == updateAttempts {
			return
		}
		if backoff.Wait(ctx) != nil {
			return
		}
	}
}

type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// lookup fetches the release feed once. Errors wrapping errReleaseRetry are
// worth another attempt; other errors are not.
func (uc *updateChecker) lookup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uc.url, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "zwfm-recorder/"+Version)

	uc.mu.RLock()
	if uc.etag != "" {
		req.Header.Set("If-None-Match", uc.etag)
	}
	uc.mu.RUnlock()

	resp, err := uc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errReleaseRetry, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Body is fully consumed or discarded

	switch {
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		// Unchanged, or nothing published yet.
		return nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", errReleaseRetry, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("release feed: HTTP %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return fmt.Errorf("%w: decode release: %v", errReleaseRetry, err)
	}
	if release.Draft || release.Prerelease {
		return nil
	}
	if release.TagName == "" {
		return errNoTag
	}

	uc.mu.Lock()
	uc.latest = normalizeVersion(release.TagName)
	if etag := resp.Header.Get("ETag"); etag != "" {
		uc.etag = etag
	}
	uc.mu.Unlock()
	return nil
}

// announce fires onRelease the first time a given newer release is seen.
func (uc *updateChecker) announce() {
	uc.mu.Lock()
	latest := uc.latest
	fire := latest != "" && latest != uc.announced && updateAvailable(latest, Version)
	if fire {
		uc.announced = latest
	}
	uc.mu.Unlock()

	if fire && uc.onRelease != nil {
		uc.onRelease(latest)
	}
}

// Info describes this build and the newest known release.
func (uc *updateChecker) Info() types.VersionInfo {
	uc.mu.RLock()
	latest := uc.latest
	uc.mu.RUnlock()

	return types.VersionInfo{
		Current:     normalizeVersion(Version),
		Latest:      latest,
		UpdateAvail: updateAvailable(latest, Version),
		Commit:      Commit,
		BuildTime:   formatBuildTime(BuildTime),
		Backends:    device.Available(),
	}
}

// updateAvailable reports whether latest is a newer release than current.
// Development builds never report updates.
func updateAvailable(latest, current string) bool {
	current = normalizeVersion(current)
	if latest == "" || current == "dev" || current == "unknown" {
		return false
	}
	return isNewerVersion(latest, current)
}

// formatBuildTime renders an RFC 3339 build time for display. Other values are returned as is.
func formatBuildTime(v string) string {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return v
	}
	return util.FormatHumanTime(t)
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// isNewerVersion compares two versions with or without a leading "v".
func isNewerVersion(latest, current string) bool {
	return semver.Compare("v"+normalizeVersion(latest), "v"+normalizeVersion(current)) > 0
}
