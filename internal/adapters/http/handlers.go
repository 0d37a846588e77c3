package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dkeye/camrelay/internal/app/ingest"
	"github.com/dkeye/camrelay/internal/app/talk"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	ErrBadLimit = errors.New("limit must be a positive integer")
	ErrBadTime  = errors.New("since and until must be RFC3339 timestamps")
)

const (
	defaultHistoryLimit = 25
	maxHistoryLimit     = 100
)

// IngestControl is the ingest orchestrator as the REST surface uses it.
type IngestControl interface {
	Start(ctx context.Context, cameraID domain.CameraID) (ingest.StartResult, error)
	Stop(ctx context.Context) error
	Status() ingest.Status
}

type TalkStatus interface {
	Status() talk.Status
}

type Handlers struct {
	Cameras core.CameraClient
	Ingest  IngestControl
	Talk    TalkStatus
}

func (h *Handlers) Register(api *gin.RouterGroup) {
	api.GET("/cameras", h.listCameras)
	api.GET("/cameras/:id/capabilities", h.capabilities)
	api.POST("/cameras/:id/live/start", h.startLive)
	api.GET("/cameras/:id/history", h.history)
	api.GET("/cameras/:id/recordings/:eventId", h.recording)
	api.POST("/ingest/stop", h.stopIngest)
	api.GET("/ingest/status", h.ingestStatus)
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrCameraNotFound),
		errors.Is(err, core.ErrEventNotFound),
		errors.Is(err, core.ErrNotPlayable):
		status = http.StatusNotFound
	case errors.Is(err, ingest.ErrInvalidCameraID),
		errors.Is(err, ErrBadLimit),
		errors.Is(err, ErrBadTime):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"ok": false, "error": err.Error()})
}

func (h *Handlers) listCameras(c *gin.Context) {
	cams, err := h.Cameras.ListCameras(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "cameras": cams})
}

func (h *Handlers) capabilities(c *gin.Context) {
	caps, err := h.Cameras.Capabilities(c.Request.Context(), domain.CameraID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "caps": caps})
}

func (h *Handlers) startLive(c *gin.Context) {
	res, err := h.Ingest.Start(c.Request.Context(), domain.CameraID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"cameraId":        res.CameraID,
		"name":            res.CameraName,
		"producerId":      res.ProducerID,
		"audioProducerId": res.AudioProducerID,
	})
}

func (h *Handlers) stopIngest(c *gin.Context) {
	if err := h.Ingest.Stop(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) ingestStatus(c *gin.Context) {
	resp := gin.H{"ok": true, "ingest": h.Ingest.Status()}
	if h.Talk != nil {
		resp["talk"] = h.Talk.Status()
	}
	c.JSON(http.StatusOK, resp)
}

func historyQuery(c *gin.Context) (domain.HistoryQuery, error) {
	q := domain.HistoryQuery{Limit: defaultHistoryLimit, Kind: c.Query("kind")}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, ErrBadLimit
		}
		q.Limit = min(n, maxHistoryLimit)
	}
	for key, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		s := c.Query(key)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, ErrBadTime
		}
		*dst = t
	}
	return q, nil
}

func (h *Handlers) history(c *gin.Context) {
	q, err := historyQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	id := domain.CameraID(c.Param("id"))
	events, err := h.Cameras.History(c.Request.Context(), id, q)
	if err != nil {
		fail(c, err)
		return
	}
	if len(events) > q.Limit {
		events = events[:q.Limit]
	}

	recorded := make([]domain.CameraEvent, 0, len(events))
	activity := make([]domain.CameraEvent, 0, len(events))
	for _, e := range events {
		e.HasRecording = e.Playable()
		if e.HasRecording {
			recorded = append(recorded, e)
		} else {
			activity = append(activity, e)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"cameraId": id,
		"counts": gin.H{
			"recorded": len(recorded),
			"activity": len(activity),
			"total":    len(recorded) + len(activity),
		},
		"recorded": recorded,
		"activity": activity,
	})
}

func (h *Handlers) recording(c *gin.Context) {
	rec, err := h.Cameras.Recording(c.Request.Context(), domain.CameraID(c.Param("id")), c.Param("eventId"))
	if err != nil {
		fail(c, err)
		return
	}
	if rec.URL != "" {
		c.Redirect(http.StatusFound, rec.URL)
		return
	}
	if rec.Body == nil {
		fail(c, core.ErrEventNotFound)
		return
	}
	defer rec.Body.Close()
	contentType := rec.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rec.Body); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("recording stream")
	}
}
