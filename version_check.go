package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

// Build information, set at link time with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	githubRepo           = "oszuidwest/zwfm-multitrack"
	versionCheckInterval = 24 * time.Hour
	versionCheckDelay    = 30 * time.Second // keeps the first check off the startup path
	versionCheckTimeout  = 30 * time.Second
	versionMaxRetries    = 3
	versionRetryDelay    = 1 * time.Minute
)

// VersionChecker polls GitHub for the latest release. It is safe for
// concurrent use.
type VersionChecker struct {
	apiURL string
	client *http.Client
	delay  time.Duration
	retry  *util.Backoff

	mu     sync.RWMutex
	latest string
	etag   string // for conditional requests (304 Not Modified)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewVersionChecker starts checking for updates in the background.
func NewVersionChecker() *VersionChecker {
	vc := newVersionChecker("https://api.github.com/repos/"+githubRepo+"/releases/latest", versionCheckDelay)
	vc.start()
	return vc
}

func newVersionChecker(apiURL string, delay time.Duration) *VersionChecker {
	return &VersionChecker{
		apiURL: apiURL,
		client: &http.Client{Timeout: versionCheckTimeout},
		delay:  delay,
		retry:  util.NewBackoff(versionRetryDelay, 4*versionRetryDelay),
		done:   make(chan struct{}),
	}
}

func (vc *VersionChecker) start() {
	ctx, cancel := context.WithCancel(context.Background())
	vc.cancel = cancel
	go vc.run(ctx)
}

// Stop ends the background checks and waits for them to finish.
func (vc *VersionChecker) Stop() {
	vc.cancel()
	<-vc.done
}

// run checks after the initial delay and then once per interval.
func (vc *VersionChecker) run(ctx context.Context) {
	defer close(vc.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in version checker", "panic", r)
		}
	}()

	if util.Sleep(ctx, vc.delay) != nil {
		return
	}
	for {
		vc.checkWithRetry(ctx)
		if util.Sleep(ctx, versionCheckInterval) != nil {
			return
		}
	}
}

// checkWithRetry performs the version check with retries on failure.
func (vc *VersionChecker) checkWithRetry(ctx context.Context) {
	defer vc.retry.Reset()
	for attempt := range versionMaxRetries {
		if vc.check(ctx) {
			return
		}
		if attempt < versionMaxRetries-1 && vc.retry.Wait(ctx) != nil {
			return
		}
	}
	slog.Debug("version check failed", "attempts", versionMaxRetries)
}

// githubRelease represents a release with version and status information.
type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check retrieves the latest release and reports whether the check
// completed. Failures worth retrying return false.
func (vc *VersionChecker) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.apiURL, http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "zwfm-multitrack/"+Version)

	vc.mu.RLock()
	etag := vc.etag
	vc.mu.RUnlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := vc.client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Best-effort cleanup
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		// Unchanged, or no releases yet.
		return true
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		return false // rate limited
	default:
		return resp.StatusCode < 500
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return false
	}
	if release.Draft || release.Prerelease {
		return true
	}
	if release.TagName == "" {
		return false
	}

	vc.mu.Lock()
	vc.latest = normalizeVersion(release.TagName)
	if newEtag := resp.Header.Get("ETag"); newEtag != "" {
		vc.etag = newEtag
	}
	vc.mu.Unlock()
	return true
}

// Info returns the current version info for status clients.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	info := currentVersionInfo()
	info.Latest = vc.latest
	if vc.latest != "" && info.Current != "dev" && info.Current != "unknown" {
		info.UpdateAvail = isNewerVersion(vc.latest, info.Current)
	}
	return info
}

// currentVersionInfo describes the running build.
func currentVersionInfo() types.VersionInfo {
	return types.VersionInfo{
		Current:   normalizeVersion(Version),
		Commit:    Commit,
		BuildTime: util.FormatHumanTime(BuildTime),
	}
}

// normalizeVersion returns a normalized version string.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// canonicalVersion returns the version in canonical semver format.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// isNewerVersion reports whether latest is newer than current.
func isNewerVersion(latest, current string) bool {
	return semver.Compare(canonicalVersion(latest), canonicalVersion(current)) > 0
}
