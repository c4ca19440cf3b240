package notify

import "time"

// AppName is the application name used in notifications.
const AppName = "ZuidWest FM Recorder"

// Kind classifies an alert.
type Kind string

// Alert kinds raised by the recorder.
const (
	KindStall           Kind = "stall"
	KindCritical        Kind = "critical"
	KindRecordingFailed Kind = "recording_failed"
	KindSilence         Kind = "silence"
	KindRecovery        Kind = "recovery"
	KindStreamError     Kind = "stream_error"
	KindUploadAbandoned Kind = "upload_abandoned"
	KindUpdateAvailable Kind = "update_available"
	KindTest            Kind = "test"
)

// recovery reports whether k announces a return to normal.
func (k Kind) recovery() bool {
	return k == KindRecovery
}

// title is the human-readable name used in e-mail subjects.
func (k Kind) title() string {
	switch k {
	case KindStall:
		return "Audio Input Stalled"
	case KindCritical:
		return "Recording Stopped"
	case KindRecordingFailed:
		return "Recording Failed"
	case KindSilence:
		return "Silence Detected"
	case KindRecovery:
		return "Audio Recovered"
	case KindStreamError:
		return "Stream Error"
	case KindUploadAbandoned:
		return "Upload Abandoned"
	case KindUpdateAvailable:
		return "Update Available"
	case KindTest:
		return "Test"
	}
	return string(k)
}

// Channel names one notification destination.
type Channel string

// Notification channels.
const (
	ChannelWebhook Channel = "webhook"
	ChannelEmail   Channel = "email"
	ChannelZabbix  Channel = "zabbix"
	ChannelLog     Channel = "log"
)

// Channels lists every channel in delivery order.
var Channels = []Channel{ChannelWebhook, ChannelEmail, ChannelZabbix, ChannelLog}

// timestampUTC returns the current UTC time in RFC3339 format.
func timestampUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
