//go:build darwin

package device

import "regexp"

func platformCommands() (commandPlatform, bool) {
	return commandPlatform{
		lists: []listSpec{{
			command:     []string{"ffmpeg", "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""},
			startMarker: "AVFoundation audio devices:",
			stopMarker:  "AVFoundation video devices:",
			pattern:     regexp.MustCompile(`\[AVFoundation[^\]]*\]\s*\[(\d+)\]\s*(.+)`),
			input:       true,
			parse: func(m []string) (string, string, bool) {
				if len(m) < 3 {
					return "", "", false
				}
				return ":" + m[1], m[2], true
			},
		}, {
			fallbackID:   "default",
			fallbackName: "System output",
		}},
		defaultInput:  ":0",
		defaultOutput: "default",
		inputBinary:   "ffmpeg",
		outputBinary:  "ffplay",
		usesFFmpeg:    true,
		inputArgs:     ffmpegCaptureArgs("avfoundation"),
		outputArgs:    ffplayArgs,
	}, true
}
