//go:build darwin || windows

package device

import "strconv"

// ffmpegCaptureArgs captures from an FFmpeg input device to raw S16LE on stdout.
func ffmpegCaptureArgs(inputFormat string) func(string, StreamConfig) []string {
	return func(device string, cfg StreamConfig) []string {
		return []string{
			"-hide_banner",
			"-loglevel", "error",
			"-f", inputFormat,
			"-i", device,
			"-vn",
			"-f", "s16le",
			"-ac", strconv.Itoa(cfg.Channels),
			"-ar", strconv.Itoa(cfg.SampleRate),
			"pipe:1",
		}
	}
}

// ffplayArgs plays raw S16LE from stdin on the default output.
func ffplayArgs(_ string, cfg StreamConfig) []string {
	layout := "stereo"
	if cfg.Channels == 1 {
		layout = "mono"
	}
	return []string{
		"-nodisp",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ch_layout", layout,
		"-i", "pipe:0",
	}
}
