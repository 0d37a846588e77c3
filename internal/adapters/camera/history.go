package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/google/uuid"
)

const (
	DefaultHistoryLimit = 25
	MaxHistoryLimit     = 100

	maxActivity       = 200
	recordingExt      = ".mp4"
	partialExt        = ".mp4.part"
	kindRecording     = "recording"
	kindOnDemand      = "on_demand"
	statusProcessing  = "processing"
	recordingMimeType = "video/mp4"
)

func (c *Client) recordActivity(id domain.CameraID, kind core.SessionKind) {
	evt := domain.CameraEvent{
		ID:        uuid.NewString(),
		Kind:      kindOnDemand,
		CreatedAt: time.Now(),
		Answered:  kind == core.SessionCall,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	events := append(c.activity[id], evt)
	if len(events) > maxActivity {
		events = events[len(events)-maxActivity:]
	}
	c.activity[id] = events
}

// History merges live-session activity with the recordings directory,
// newest first.
func (c *Client) History(_ context.Context, id domain.CameraID, q domain.HistoryQuery) ([]domain.CameraEvent, error) {
	d, err := c.device(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	events := slices.Clone(c.activity[id])
	c.mu.Unlock()

	recs, err := scanRecordings(d.RecordingsDir)
	if err != nil {
		return nil, err
	}
	events = append(events, recs...)
	slices.SortFunc(events, func(a, b domain.CameraEvent) int { return b.CreatedAt.Compare(a.CreatedAt) })

	return filterEvents(events, q), nil
}

func filterEvents(events []domain.CameraEvent, q domain.HistoryQuery) []domain.CameraEvent {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)
	kind := strings.ToLower(q.Kind)

	out := make([]domain.CameraEvent, 0, min(limit, len(events)))
	for _, e := range events {
		if kind != "" && !strings.Contains(strings.ToLower(e.Kind), kind) {
			continue
		}
		if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.CreatedAt.After(q.Until) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

func scanRecordings(dir string) ([]domain.CameraEvent, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recordings: %w", err)
	}
	var out []domain.CameraEvent
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, status, ok := recordingID(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, domain.CameraEvent{
			ID:              id,
			Kind:            kindRecording,
			CreatedAt:       info.ModTime(),
			Recorded:        true,
			RecordingStatus: status,
			HasRecording:    status == domain.RecordingReady,
		})
	}
	return out, nil
}

func recordingID(name string) (id, status string, ok bool) {
	switch {
	case strings.HasSuffix(name, partialExt):
		return strings.TrimSuffix(name, partialExt), statusProcessing, true
	case strings.HasSuffix(name, recordingExt):
		return strings.TrimSuffix(name, recordingExt), domain.RecordingReady, true
	default:
		return "", "", false
	}
}

// Recording opens the finished recording of eventID for streaming.
func (c *Client) Recording(_ context.Context, id domain.CameraID, eventID string) (*core.Recording, error) {
	d, err := c.device(id)
	if err != nil {
		return nil, err
	}
	if d.RecordingsDir == "" || eventID == "" || filepath.Base(eventID) != eventID || strings.HasPrefix(eventID, ".") {
		return nil, fmt.Errorf("%w: %s", core.ErrEventNotFound, eventID)
	}
	f, err := os.Open(filepath.Join(d.RecordingsDir, eventID+recordingExt))
	if err == nil {
		return &core.Recording{Body: f, ContentType: recordingMimeType}, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	if _, perr := os.Stat(filepath.Join(d.RecordingsDir, eventID+partialExt)); perr == nil {
		return nil, fmt.Errorf("%w: %s is still processing", core.ErrNotPlayable, eventID)
	}
	return nil, fmt.Errorf("%w: %s", core.ErrEventNotFound, eventID)
}
