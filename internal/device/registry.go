package device

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Auto selects the first backend that initializes successfully.
const Auto = "auto"

// Options carries backend construction settings.
type Options struct {
	// FFmpegPath is used by the command backend on platforms that capture through FFmpeg.
	FFmpegPath string
}

type factory struct {
	name     string
	priority int // lower is preferred by Auto
	create   func(Options) (Backend, error)
}

var factories []factory

func register(name string, priority int, create func(Options) (Backend, error)) {
	factories = append(factories, factory{name: name, priority: priority, create: create})
	slices.SortFunc(factories, func(a, b factory) int { return cmp.Compare(a.priority, b.priority) })
}

// Available returns the names of the compiled-in backends in preference order.
func Available() []string {
	names := make([]string, 0, len(factories))
	for _, f := range factories {
		names = append(names, f.name)
	}
	return names
}

// Select creates the named backend, or with Auto the first one that initializes.
func Select(name string, opts Options) (Backend, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = Auto
	}

	if name != Auto {
		for _, f := range factories {
			if f.name == name {
				b, err := f.create(opts)
				if err != nil {
					return nil, fmt.Errorf("init %s backend: %w", name, err)
				}
				return b, nil
			}
		}
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownBackend, name, strings.Join(Available(), ", "))
	}

	var errs []string
	for _, f := range factories {
		b, err := f.create(opts)
		if err != nil {
			slog.Warn("audio backend unavailable", "backend", f.name, "error", err)
			errs = append(errs, f.name+": "+err.Error())
			continue
		}
		return b, nil
	}
	return nil, fmt.Errorf("no audio backend available (%s)", strings.Join(errs, "; "))
}
