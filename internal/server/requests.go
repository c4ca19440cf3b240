package server

// Request bodies for the control API. Fields use go-playground/validator
// struct tags; pointer fields distinguish "not sent" from the zero value.

// RecordingStartRequest is the request body for POST /api/recording/start.
type RecordingStartRequest struct {
	Monitor *bool `json:"monitor"` // nil uses the configured monitor setting
}

// MonitorRequest is the request body for POST /api/monitor.
type MonitorRequest struct {
	Enabled *bool    `json:"enabled"`
	Volume  *float64 `json:"volume" validate:"omitempty,gte=0,lte=1.5"`
}

// StreamStartRequest is the request body for POST /api/streams/{kind}/start.
// Empty fields fall back to the configured sink settings.
type StreamStartRequest struct {
	URL      string `json:"url" validate:"omitempty,max=2048"`
	Host     string `json:"host" validate:"omitempty,max=253"`
	Port     int    `json:"port" validate:"omitempty,gte=1,lte=65535"`
	Mount    string `json:"mount" validate:"omitempty,max=256"`
	Password string `json:"password" validate:"omitempty,max=500"`
	Bitrate  int    `json:"bitrate" validate:"omitempty,gte=32,lte=320"`
}

// empty reports whether no destination field was sent.
func (r *StreamStartRequest) empty() bool {
	return *r == StreamStartRequest{}
}

// NotificationTestRequest is the request body for POST /api/notifications/test.
type NotificationTestRequest struct {
	Channel string `json:"channel" validate:"required,oneof=webhook email zabbix log"`
}
