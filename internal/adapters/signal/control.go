package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/camrelay/internal/app"
	"github.com/dkeye/camrelay/internal/app/talk"
	"github.com/dkeye/camrelay/internal/domain"
)

var (
	ErrTalkArgs        = errors.New("startTalk requires cameraId and producerId")
	ErrTalkUnavailable = errors.New("talk is not available")
)

func (ctl *SignalWSController) handlePing(pc *peerConn) {
	ctl.send(pc, app.Message{Type: "pong"})
}

func (ctl *SignalWSController) handleStartTalk(ctx context.Context, pc *peerConn, data json.RawMessage) error {
	var p struct {
		CameraID   domain.CameraID   `json:"cameraId"`
		ProducerID domain.ProducerID `json:"producerId"`
	}
	if len(data) > 0 {
		if err := decode(data, &p); err != nil {
			return err
		}
	}
	if p.CameraID == "" || p.ProducerID == "" {
		return ErrTalkArgs
	}
	if ctl.Talk == nil {
		return ErrTalkUnavailable
	}
	if err := ctl.Talk.Start(ctx, p.CameraID, p.ProducerID); err != nil {
		return err
	}
	pc.logger.Info().Str("camera", string(p.CameraID)).Str("producer", string(p.ProducerID)).Msg("talk started")
	ctl.reply(pc, app.EventTalkStatus, app.TalkStatusData{OK: true, State: talk.StateBridging, CameraID: p.CameraID})
	return nil
}

func (ctl *SignalWSController) handleStopTalk(ctx context.Context, pc *peerConn) error {
	if ctl.Talk == nil {
		return ErrTalkUnavailable
	}
	if err := ctl.Talk.Stop(ctx); err != nil {
		return err
	}
	ctl.reply(pc, app.EventTalkStatus, app.TalkStatusData{OK: true, State: talk.StateStopped})
	return nil
}
