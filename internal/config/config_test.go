package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load() = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	var onDisk map[string]json.RawMessage
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	for _, section := range []string{"system", "web", "audio", "monitor", "recording", "streaming", "silence", "notifications"} {
		if _, ok := onDisk[section]; !ok {
			t.Errorf("section %q missing from %s", section, data)
		}
	}

	snap := cfg.Snapshot()
	if snap.Audio.SampleRate != 44100 || snap.Audio.Channels != 1 || snap.Audio.FramesPerBuffer != 1024 {
		t.Errorf("audio = %+v", snap.Audio)
	}
	if snap.SegmentDuration != 15*time.Minute || snap.MaxSegmentsPerDay != 96 {
		t.Errorf("segments = %s / %d", snap.SegmentDuration, snap.MaxSegmentsPerDay)
	}
	if snap.Directory != "recordings" || snap.Prefix != "radio" || snap.RetentionDays != 0 {
		t.Errorf("recording = %q %q %d", snap.Directory, snap.Prefix, snap.RetentionDays)
	}
	if snap.Icecast.Host != "localhost" || snap.Icecast.Port != 8000 || snap.Icecast.Mount != "/live" || snap.Icecast.Bitrate != 128 {
		t.Errorf("icecast = %+v", snap.Icecast)
	}
	if snap.MonitorVolume != 1 {
		t.Errorf("monitor volume = %v", snap.MonitorVolume)
	}
	if !snap.Silence.Enabled() || snap.Silence.Duration != 15*time.Second {
		t.Errorf("silence = %+v", snap.Silence)
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := writeConfig(t, `{"recording":{"directory":"/srv/rec"},"web":{"api_key":"k"}}`)
	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load() = %v", err)
	}

	snap := cfg.Snapshot()
	if snap.Directory != "/srv/rec" || snap.Prefix != "radio" {
		t.Errorf("recording = %q %q", snap.Directory, snap.Prefix)
	}
	if snap.APIKey != "k" || snap.WebPort != 8080 {
		t.Errorf("web = %q %d", snap.APIKey, snap.WebPort)
	}
}

func TestLoadAppliesDefaultsForZeroValues(t *testing.T) {
	path := writeConfig(t, `{"audio":{"sample_rate":0,"channels":0},"recording":{"segment_minutes":0,"prefix":""}}`)
	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	snap := cfg.Snapshot()
	if snap.Audio.SampleRate != 44100 || snap.Audio.Channels != 1 {
		t.Errorf("audio = %+v", snap.Audio)
	}
	if snap.SegmentDuration != 15*time.Minute || snap.Prefix != "radio" {
		t.Errorf("recording = %s %q", snap.SegmentDuration, snap.Prefix)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"channels", `{"audio":{"channels":6}}`, "audio.channels"},
		{"port", `{"web":{"port":70000}}`, "web.port"},
		{"backend", `{"system":{"backend":"jack"}}`, "system.backend"},
		{"volume", `{"monitor":{"volume":3}}`, "monitor.volume"},
		{"prefix", `{"recording":{"prefix":"a/b"}}`, "recording.prefix"},
		{"webhook", `{"notifications":{"webhook_url":"not a url"}}`, "notifications.webhook_url"},
		{"rtmp", `{"streaming":{"rtmp":{"enabled":true,"url":"http://example.com/live"}}}`, "rtmp.url"},
		{"icecast", `{"streaming":{"icecast":{"enabled":true}}}`, "icecast.password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(writeConfig(t, tt.body)).Load()
			var verr *types.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Load() = %v, want ValidationError", err)
			}
			found := false
			for _, fe := range verr.Errors {
				if fe.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("errors = %+v, want field %s", verr.Errors, tt.field)
			}
		})
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	err := New(writeConfig(t, `{"audio":`)).Load()
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("Load() = %v, want parse error", err)
	}
}

func TestSilenceDisabled(t *testing.T) {
	cfg := New(writeConfig(t, `{"silence":{"enabled":false}}`))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	if cfg.Snapshot().Silence.Enabled() {
		t.Error("silence detection should be disabled")
	}
}

func TestSettersPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}

	if err := cfg.SetMonitor(true, 2.5); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetStreamEnabled(types.SinkIcecast, true); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetStreamEnabled("srt", true); err == nil {
		t.Error("SetStreamEnabled(srt) should fail")
	}

	reloaded := New(path)
	if err := reloaded.Load(); err == nil {
		t.Fatal("icecast enabled without password should not validate")
	}
	snap := reloaded.Snapshot()
	if !snap.MonitorOn || snap.MonitorVolume != types.MaxMonitorVolume {
		t.Errorf("monitor = %v %v", snap.MonitorOn, snap.MonitorVolume)
	}
	if !snap.IcecastEnabled {
		t.Error("icecast not persisted")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	idx := 3
	cfg := New(filepath.Join(t.TempDir(), "config.json"))
	cfg.Audio.DeviceIndex = &idx

	snap := cfg.Snapshot()
	*snap.Audio.DeviceIndex = 7
	if *cfg.Audio.DeviceIndex != 3 {
		t.Error("snapshot shares the device index with the config")
	}
}
