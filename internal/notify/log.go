package notify

import (
	"fmt"
	"os"
	"strings"

	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// appendAlertLog appends one line "{timestamp} [{kind}] {message}" to logPath.
func appendAlertLog(logPath string, kind Kind, msg string) error {
	if !util.IsConfigured(logPath) {
		return nil
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open log file", err)
	}
	defer func() { _ = f.Close() }()

	line := fmt.Sprintf("%s [%s] %s\n", timestampUTC(), kind, strings.ReplaceAll(msg, "\n", " "))
	if _, err := f.WriteString(line); err != nil {
		return util.WrapError("write log entry", err)
	}
	return nil
}
