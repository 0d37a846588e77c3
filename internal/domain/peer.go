package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxLabelLen = 64
	// peerLabelPrefix marks labels derived from the owning peer.
	peerLabelPrefix = "peer:"
)

var ErrLabelTooLong = errors.New("producer label too long")

func NewPeerID() PeerID { return PeerID(uuid.NewString()) }

// ProducerLabel returns the label other peers see for a producer. A blank
// request falls back to the owning peer.
func ProducerLabel(requested string, owner PeerID) (string, error) {
	label := strings.TrimSpace(requested)
	if label == "" {
		return peerLabelPrefix + string(owner), nil
	}
	if len(label) > MaxLabelLen {
		return "", ErrLabelTooLong
	}
	return label, nil
}
