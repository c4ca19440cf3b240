package types

// WSStatusResponse is pushed periodically to WebSocket clients.
type WSStatusResponse struct {
	Type            string                    `json:"type"` // "status"
	FFmpegAvailable bool                      `json:"ffmpeg_available"`
	Session         SessionStatus             `json:"session"`
	Streams         map[SinkKind]StreamStatus `json:"streams"`
	Version         VersionInfo               `json:"version"`
}

// WSLevelsResponse is pushed at meter rate to WebSocket clients.
type WSLevelsResponse struct {
	Type    string  `json:"type"` // "levels"
	Level   float64 `json:"level"`
	LevelDB float64 `json:"level_db"`
}
