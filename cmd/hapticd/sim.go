package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gohaptic/gohaptic/server"
)

// SimDevice stands in for a physical haptic actuator. Patterns "play" as
// timers and finish with a pattern_complete event, which is enough to
// exercise the whole command and event path end to end.
type SimDevice struct {
	mu        sync.Mutex
	intensity float64
	playing   string
	timer     *time.Timer

	events chan server.Event
}

func NewSimDevice() *SimDevice {
	return &SimDevice{
		intensity: 1.0,
		events:    make(chan server.Event, 16),
	}
}

func (d *SimDevice) Events() <-chan server.Event { return d.events }

func (d *SimDevice) Execute(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	switch command {
	case "play_pattern":
		return d.playPattern(params)
	case "stop_pattern":
		return d.stopPattern()
	case "set_intensity":
		return d.setIntensity(params)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (d *SimDevice) playPattern(params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Pattern    string `json:"pattern"`
		DurationMs int    `json:"duration_ms"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.Pattern == "" {
		return nil, fmt.Errorf("missing pattern parameter")
	}
	if req.DurationMs <= 0 {
		req.DurationMs = 1000
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.playing = req.Pattern
	pattern := req.Pattern
	d.timer = time.AfterFunc(time.Duration(req.DurationMs)*time.Millisecond, func() {
		d.mu.Lock()
		if d.playing == pattern {
			d.playing = ""
		}
		d.mu.Unlock()
		d.emit("pattern_complete", map[string]any{"pattern": pattern})
	})
	slog.Info("Playing pattern", "pattern", req.Pattern, "duration_ms", req.DurationMs)

	return json.Marshal(map[string]any{"success": true, "pattern": req.Pattern})
}

func (d *SimDevice) stopPattern() (json.RawMessage, error) {
	d.mu.Lock()
	stopped := d.playing
	d.playing = ""
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if stopped == "" {
		return json.Marshal(map[string]any{"success": false, "error": "no pattern playing"})
	}
	slog.Info("Stopped pattern", "pattern", stopped)
	return json.Marshal(map[string]any{"success": true, "pattern": stopped})
}

func (d *SimDevice) setIntensity(params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Intensity *float64 `json:"intensity"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.Intensity == nil {
		return nil, fmt.Errorf("missing intensity parameter")
	}
	if *req.Intensity < 0 || *req.Intensity > 1 {
		return nil, fmt.Errorf("intensity must be between 0 and 1")
	}

	d.mu.Lock()
	d.intensity = *req.Intensity
	d.mu.Unlock()
	slog.Info("Intensity set", "intensity", *req.Intensity)

	return json.Marshal(map[string]any{"success": true, "intensity": *req.Intensity})
}

func (d *SimDevice) emit(eventType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("Could not marshal event", "event_type", eventType, "error", err)
		return
	}
	select {
	case d.events <- server.Event{Type: eventType, Data: raw}:
	default:
		slog.Warn("Event channel full, dropping event", "event_type", eventType)
	}
}

// DeviceStatus reports the simulated actuator state for status snapshots.
func (d *SimDevice) DeviceStatus() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, _ := json.Marshal(map[string]any{
		"simulated": true,
		"intensity": d.intensity,
		"playing":   d.playing,
	})
	return data
}
