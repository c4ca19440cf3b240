package main

// Build information, set at link time:
//
//	go build -ldflags "-X main.Version=1.0.0 -X main.Commit=abc123 -X main.BuildTime=2025-01-01T00:00:00Z"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown" // RFC 3339
)
