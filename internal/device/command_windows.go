//go:build windows

package device

import (
	"regexp"
	"strings"
)

func platformCommands() (commandPlatform, bool) {
	return commandPlatform{
		lists: []listSpec{{
			// FFmpeg versions differ in section headers; audio lines end in "(audio)".
			command: []string{"ffmpeg", "-hide_banner", "-f", "dshow", "-list_devices", "true", "-i", "dummy"},
			pattern: regexp.MustCompile(`\[dshow[^\]]*\]\s*"([^"]+)"\s*\(audio\)`),
			input:   true,
			parse: func(m []string) (string, string, bool) {
				if len(m) < 2 {
					return "", "", false
				}
				name := strings.TrimSpace(m[1])
				return "audio=" + name, name, true
			},
		}, {
			fallbackID:   "default",
			fallbackName: "System output",
		}},
		// DirectShow has no safe default input; the first listed device is used.
		defaultOutput: "default",
		inputBinary:   "ffmpeg",
		outputBinary:  "ffplay",
		usesFFmpeg:    true,
		inputArgs:     ffmpegCaptureArgs("dshow"),
		outputArgs:    ffplayArgs,
	}, true
}
