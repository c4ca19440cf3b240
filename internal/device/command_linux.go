//go:build linux

package device

import (
	"regexp"
	"strconv"
)

var alsaCardPattern = regexp.MustCompile(`card\s+(\d+):\s+(\w+)\s+\[([^\]]+)\],\s+device\s+(\d+):`)

func parseALSACard(m []string) (string, string, bool) {
	if len(m) < 5 {
		return "", "", false
	}
	return "plughw:CARD=" + m[2] + ",DEV=" + m[4], m[3] + " (device " + m[4] + ")", true
}

func platformCommands() (commandPlatform, bool) {
	return commandPlatform{
		lists: []listSpec{
			{command: []string{"arecord", "-l"}, pattern: alsaCardPattern, input: true, parse: parseALSACard,
				fallbackID: "default", fallbackName: "ALSA default"},
			{command: []string{"aplay", "-l"}, pattern: alsaCardPattern, parse: parseALSACard,
				fallbackID: "default", fallbackName: "ALSA default"},
		},
		defaultInput:  "default",
		defaultOutput: "default",
		inputBinary:   "arecord",
		outputBinary:  "aplay",
		inputArgs:     alsaArgs,
		outputArgs:    alsaArgs,
	}, true
}

// alsaArgs builds arecord/aplay arguments for raw interleaved S16LE on stdio.
func alsaArgs(device string, cfg StreamConfig) []string {
	return []string{
		"-D", device,
		"-f", "S16_LE",
		"-r", strconv.Itoa(cfg.SampleRate),
		"-c", strconv.Itoa(cfg.Channels),
		"-t", "raw",
		"-q",
		"-",
	}
}
