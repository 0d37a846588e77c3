// Package domain contains entities without logic, just meta-data
package domain

import "time"

type CameraID string

type Camera struct {
	ID          CameraID `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
}

// CameraCapabilities is a conservative summary of what a camera is expected to support.
type CameraCapabilities struct {
	CameraID         CameraID `json:"cameraId"`
	Name             string   `json:"name"`
	CanStartLiveCall bool     `json:"canStartLiveCall"`
	CanStartPipe     bool     `json:"canStartPipe"`
	HasAudioHints    bool     `json:"hasAudioHints"`
	CanListen        bool     `json:"canListen"`
	CanTalk          bool     `json:"canTalk"`
}

const RecordingReady = "ready"

type CameraEvent struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	CreatedAt       time.Time `json:"created_at"`
	Answered        bool      `json:"answered"`
	Recorded        bool      `json:"recorded"`
	RecordingStatus string    `json:"recording_status,omitempty"`
	HasRecording    bool      `json:"hasRecording"`
}

// Playable reports whether the event has a recording that can be fetched.
func (e CameraEvent) Playable() bool {
	return e.Recorded && e.RecordingStatus == RecordingReady
}

type HistoryQuery struct {
	Limit int
	Kind  string
	Since time.Time
	Until time.Time
}
