package cloudhelpers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/embedthis/ioto-core/internal/koderr"
	"github.com/embedthis/ioto-core/internal/reactor"
)

// HTTPDoer is the narrow HTTP surface Update needs, matching
// internal/provision's HTTPDoer so a test fake or a *http.Client work
// interchangeably.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// manifest is the builder's description of the latest firmware image.
// It is fetched as YAML, distinct from the JSON5 config files, since the
// build toolchain that produces it already emits YAML elsewhere in the
// stack.
type manifest struct {
	Version string `yaml:"version"`
	URL     string `yaml:"url"`
	SHA256  string `yaml:"sha256"`
	ApplyAt string `yaml:"applyAt,omitempty"` // "HH:MM", empty means apply immediately
}

// UpdateConfig bundles the builder endpoints and local apply policy.
type UpdateConfig struct {
	DeviceID      string
	ManifestURL   string // GET -> YAML manifest
	DownloadDir   string
	ApplyScript   string // invoked with the downloaded image path as its one argument
	PollInterval  time.Duration
	ThrottleBytes int // bytes/sec ceiling on download; 0 disables throttling
	Doer          HTTPDoer
}

func (c *UpdateConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Hour
	}
}

// Update polls the builder for a new firmware manifest, downloads and
// verifies it, and invokes the configured apply script.
type Update struct {
	cfg       UpdateConfig
	reactor   *reactor.Reactor
	installed string // version currently running; set by the caller via SetInstalledVersion
}

// NewUpdate starts the poll loop and returns the Update handle.
func NewUpdate(cfg UpdateConfig, r *reactor.Reactor) *Update {
	cfg.applyDefaults()
	u := &Update{cfg: cfg, reactor: r}
	r.Queue.StartEvent(func(any) { u.pollLoop() }, nil, 0)
	return u
}

// SetInstalledVersion records the version currently running, so poll
// does not re-download an image already applied.
func (u *Update) SetInstalledVersion(v string) { u.installed = v }

func (u *Update) pollLoop() {
	u.poll()
	u.reactor.Queue.StartEvent(func(any) { u.pollLoop() }, nil, u.cfg.PollInterval)
}

func (u *Update) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := u.fetchManifest(ctx)
	if err != nil || m.Version == "" || m.Version == u.installed {
		return
	}

	imagePath, err := u.download(ctx, m)
	if err != nil {
		return
	}

	if m.ApplyAt != "" && !withinApplyWindow(m.ApplyAt, time.Now()) {
		return
	}
	u.apply(imagePath)
}

func (u *Update) fetchManifest(ctx context.Context) (*manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.ManifestURL, nil)
	if err != nil {
		return nil, koderr.New(koderr.BadArgs, "cloudhelpers.fetchManifest", err)
	}
	resp, err := u.cfg.Doer.Do(req)
	if err != nil {
		return nil, koderr.New(koderr.CantConnect, "cloudhelpers.fetchManifest", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, koderr.New(koderr.CantComplete, "cloudhelpers.fetchManifest", fmt.Errorf("status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, koderr.New(koderr.CantRead, "cloudhelpers.fetchManifest", err)
	}
	var m manifest
	if err := yaml.Unmarshal(body, &m); err != nil {
		return nil, koderr.New(koderr.BadFormat, "cloudhelpers.fetchManifest", err)
	}
	return &m, nil
}

// throttledReader paces reads to at most bytesPerSec, used while
// downloading the firmware image so the update doesn't starve other
// traffic on a constrained link.
type throttledReader struct {
	r            io.Reader
	bytesPerSec  int
	readThisTick int
	tickStart    time.Time
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if t.bytesPerSec <= 0 {
		return t.r.Read(p)
	}
	if t.tickStart.IsZero() || time.Since(t.tickStart) >= time.Second {
		t.tickStart = time.Now()
		t.readThisTick = 0
	}
	if t.readThisTick >= t.bytesPerSec {
		time.Sleep(time.Second - time.Since(t.tickStart))
		t.tickStart = time.Now()
		t.readThisTick = 0
	}
	if len(p) > t.bytesPerSec-t.readThisTick {
		p = p[:t.bytesPerSec-t.readThisTick]
	}
	n, err := t.r.Read(p)
	t.readThisTick += n
	return n, err
}

func (u *Update) download(ctx context.Context, m *manifest) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return "", koderr.New(koderr.BadArgs, "cloudhelpers.download", err)
	}
	resp, err := u.cfg.Doer.Do(req)
	if err != nil {
		return "", koderr.New(koderr.CantConnect, "cloudhelpers.download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", koderr.New(koderr.CantComplete, "cloudhelpers.download", fmt.Errorf("status %d", resp.StatusCode))
	}

	if err := os.MkdirAll(u.cfg.DownloadDir, 0o700); err != nil {
		return "", koderr.New(koderr.CantCreate, "cloudhelpers.download", err)
	}
	imagePath := filepath.Join(u.cfg.DownloadDir, "firmware-"+m.Version+".bin")
	f, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", koderr.New(koderr.CantCreate, "cloudhelpers.download", err)
	}
	defer f.Close()

	hasher := sha256.New()
	reader := &throttledReader{r: resp.Body, bytesPerSec: u.cfg.ThrottleBytes}
	if _, err := io.Copy(io.MultiWriter(f, hasher), reader); err != nil {
		return "", koderr.New(koderr.CantWrite, "cloudhelpers.download", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(sum, m.SHA256) {
		_ = os.Remove(imagePath)
		return "", koderr.New(koderr.BadData, "cloudhelpers.download", fmt.Errorf("checksum mismatch: got %s want %s", sum, m.SHA256))
	}
	return imagePath, nil
}

func withinApplyWindow(applyAt string, now time.Time) bool {
	t, err := time.Parse("15:04", applyAt)
	if err != nil {
		return true
	}
	return now.Hour() == t.Hour() && now.Minute() == t.Minute()
}

// applyResult is the structured form of the apply script's last stdout
// line: {"action": "exit"|"restart"}.
type applyResult struct {
	Action string `json:"action"`
}

// apply invokes the configured script with imagePath as its argument,
// and reacts to the script's last stdout line requesting either an
// immediate process exit or a restart signal.
func (u *Update) apply(imagePath string) {
	if u.cfg.ApplyScript == "" {
		return
	}
	cmd := exec.Command(u.cfg.ApplyScript, imagePath)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) == 0 {
		return
	}
	var result applyResult
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &result); err != nil {
		return
	}
	switch result.Action {
	case "restart":
		u.reactor.Signal("device:reboot")
	case "exit":
		u.reactor.Stop()
	}
}
