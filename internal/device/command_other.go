//go:build !linux && !darwin && !windows

package device

func platformCommands() (commandPlatform, bool) {
	return commandPlatform{}, false
}
