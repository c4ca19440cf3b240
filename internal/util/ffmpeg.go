package util

import "os/exec"

// ResolveFFmpegPath returns the path to the FFmpeg binary, or "" when it is not found.
func ResolveFFmpegPath(customPath string) string {
	return ResolveBinary(customPath, "ffmpeg")
}

// ResolveBinary returns customPath when it is executable, otherwise searches PATH for name.
// A configured but unusable customPath is not replaced by the PATH lookup.
func ResolveBinary(customPath, name string) string {
	if customPath != "" {
		if _, err := exec.LookPath(customPath); err == nil {
			return customPath
		}
		return ""
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}
