// Package router bridges the coordinator onto the bus: control subjects drive
// it remotely and its notifications are broadcast for remote displays.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/voicereport/internal/bus"
	"github.com/loqalabs/voicereport/internal/config"
	"github.com/loqalabs/voicereport/internal/coordinator"
	"github.com/loqalabs/voicereport/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Controller is the part of *coordinator.Coordinator the router drives.
type Controller interface {
	Start() error
	Finish() error
	Cancel()
	Reset()
	Submit(text string) error
	State() coordinator.State
}

type Service struct {
	cfg    config.RouterConfig
	bus    *bus.Client
	coord  Controller
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, coord Controller, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		coord:  coord,
		logger: logger.With(slog.String("component", "router")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectControlPrefix+".*", s.handleControl)
	if err != nil {
		return err
	}
	s.sub = sub
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.sub != nil && s.bus.Healthy())
}

func (s *Service) handleControl(msg *nats.Msg) {
	var cmd protocol.ControlCommand
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.logger.Warn("router failed to decode control command", slogError(err))
			s.reply(msg, cmd, errors.New("invalid control payload"))
			return
		}
	}

	var err error
	switch strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".") {
	case "start":
		err = s.coord.Start()
	case "finish":
		err = s.coord.Finish()
	case "cancel":
		s.coord.Cancel()
	case "reset":
		s.coord.Reset()
	case "command":
		err = s.coord.Submit(cmd.Command)
	default:
		err = errors.New("unknown control subject " + msg.Subject)
	}
	if err != nil {
		s.logger.Info("control command rejected", slog.String("subject", msg.Subject), slogError(err))
	}
	s.reply(msg, cmd, err)
}

func (s *Service) reply(msg *nats.Msg, cmd protocol.ControlCommand, err error) {
	subject := msg.Reply
	if subject == "" {
		subject = cmd.ReplyTo
	}
	if subject == "" {
		return
	}
	reply := protocol.ControlReply{OK: err == nil, State: s.coord.State().String()}
	if err != nil {
		reply.Error = err.Error()
	}
	if err := s.bus.PublishJSON(subject, reply); err != nil {
		s.logger.Warn("router failed to publish control reply", slogError(err))
	}
}

// OnTransition broadcasts state changes on voice.state.
func (s *Service) OnTransition(t coordinator.Transition) {
	if !s.cfg.Enabled || s.ctx.Err() != nil {
		return
	}
	msg := protocol.StateChange{
		InteractionID: t.InteractionID,
		From:          t.From.String(),
		To:            t.To.String(),
		Reason:        t.Reason,
		Transcript:    t.Transcript,
		Timestamp:     t.At,
	}
	if err := s.bus.PublishJSON(protocol.SubjectStateChange, msg); err != nil {
		s.logger.Warn("router failed to publish state change", slogError(err))
	}
}

// OnResult broadcasts published results on voice.result.
func (s *Service) OnResult(r coordinator.Report) {
	if !s.cfg.Enabled || s.ctx.Err() != nil {
		return
	}
	result, err := json.Marshal(r)
	if err != nil {
		s.logger.Warn("router failed to encode result", slogError(err))
		return
	}
	msg := protocol.ResultMessage{
		InteractionID: r.InteractionID,
		Source:        string(r.Source),
		Result:        result,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectResult, msg); err != nil {
		s.logger.Warn("router failed to publish result", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
