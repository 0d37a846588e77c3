package app

import "github.com/dkeye/camrelay/internal/domain"

// Message is the signaling envelope shared by replies and broadcasts.
type Message struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	EventNewProducer    = "newProducer"
	EventProducerClosed = "producerClosed"
	EventIngestStopped  = "ingestStopped"
	EventIngestDegraded = "ingestDegraded"
	EventTalkStatus     = "talkStatus"
)

// Broadcaster fans a message out to every connected peer.
type Broadcaster interface {
	Broadcast(msg Message)
}

type ProducerInfo struct {
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
	Label      string            `json:"label"`
}

type IngestDegradedData struct {
	CameraID domain.CameraID `json:"cameraId"`
	Stream   string          `json:"stream"`
	Reason   string          `json:"reason"`
}

type TalkStatusData struct {
	OK       bool            `json:"ok"`
	State    string          `json:"state"`
	CameraID domain.CameraID `json:"cameraId,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}
