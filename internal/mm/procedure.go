package mm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/security-geeks/evilbts/internal/l3"
	"github.com/security-geeks/evilbts/internal/store"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// startProcedure runs the MM procedure opened by msg on its own
// goroutine. A second initial message while one runs is ignored.
func (m *MM) startProcedure(id uint16, msg l3.Message) {
	m.mu.Lock()
	if _, busy := m.procs[id]; busy {
		m.mu.Unlock()
		m.logger.Debug("procedure already running", slog.Uint64("conn", uint64(id)))
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.procs[id] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.stopProcedure(id)
		m.procedure(ctx, id, msg)
	}()
}

func (m *MM) stopProcedure(id uint16) {
	m.mu.Lock()
	cancel, ok := m.procs[id]
	delete(m.procs, id)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *MM) procedure(ctx context.Context, id uint16, msg l3.Message) {
	ident, err := l3.InitialIdentity(msg)
	if err != nil {
		return
	}
	logger := m.logger.With(
		slog.Uint64("conn", uint64(id)),
		slog.String("identity", ident.String()),
		slog.String("message", msg.Name()),
	)

	lc := m.core.Lifecycle()
	if err := lc.IncrementUsage(id, ybts.PurposeMM); err != nil {
		return
	}
	defer func() { _ = lc.DecrementUsage(id, ybts.PurposeMM) }()

	if msg.PD == l3.PDMM && msg.Type == l3.MsgIMSIDetach {
		logger.Info("IMSI detach")
		m.record(store.ConnEvent{ConnID: id, Event: "detach", Subscriber: ident.String()})
		m.release(id, false, ybts.ReasonNormal)
		return
	}

	if ident.Type != l3.IdentityIMSI {
		// Unknown temporary identity: the handset retries with its IMSI.
		logger.Info("rejecting temporary identity")
		m.reject(id, msg, l3.CauseIMSIUnknownVLR)
		return
	}

	if m.cfg.Authenticate {
		err := m.core.Auth().Authenticate(ctx, id, m.vectors, ident.String())
		if err != nil {
			m.authFailed(logger, id, ident.String(), err)
			return
		}
		m.record(store.ConnEvent{
			ConnID: id, Event: store.EventAuth, Subscriber: ident.String(), Detail: ybts.AuthOutcomeAccepted,
		})
	}

	m.accept(logger, id, msg, ident)
}

func (m *MM) accept(logger *slog.Logger, id uint16, msg l3.Message, ident l3.Identity) {
	var reply []byte
	switch {
	case msg.PD == l3.PDMM && msg.Type == l3.MsgLocUpdRequest:
		reply = l3.LocationUpdateAccept(m.cfg.LAI)
	case msg.PD == l3.PDMM && msg.Type == l3.MsgCMServiceRequest:
		reply = l3.CMServiceAccept()
	case msg.PD == l3.PDRR && msg.Type == l3.MsgRRPagingResponse:
		if err := m.core.StopPaging(ident.Digits); err != nil {
			logger.Warn("failed to stop paging", slog.String("error", err.Error()))
		}
	}
	if reply != nil {
		if err := m.core.SendL3(id, 0, reply); err != nil {
			logger.Warn("failed to send accept", slog.String("error", err.Error()))
			return
		}
	}
	logger.Info("procedure accepted")
}

// reject answers msg with cause and releases the connection.
func (m *MM) reject(id uint16, msg l3.Message, cause uint8) {
	var reply []byte
	switch {
	case msg.PD == l3.PDMM && msg.Type == l3.MsgLocUpdRequest:
		reply = l3.LocationUpdateReject(cause)
	case msg.PD == l3.PDMM && msg.Type == l3.MsgCMServiceRequest:
		reply = l3.CMServiceReject(cause)
	}
	if reply != nil {
		if err := m.core.SendL3(id, 0, reply); err != nil {
			m.logger.Warn("failed to send reject",
				slog.Uint64("conn", uint64(id)),
				slog.String("error", err.Error()),
			)
		}
	}
	m.release(id, false, ybts.ReasonNormal)
}

// authFailed tears down after a failed flow. A rejection before any
// challenge was already handled by the coordinator; the connection is
// then gone.
func (m *MM) authFailed(logger *slog.Logger, id uint16, subscriber string, err error) {
	outcome := ybts.AuthOutcomeRejected
	switch {
	case errors.Is(err, ybts.ErrAuthRetry):
		logger.Info("authentication deferred", slog.String("error", err.Error()))
		return
	case errors.Is(err, ybts.ErrAuthCancelled), errors.Is(err, ybts.ErrAuthExiting):
		logger.Debug("authentication abandoned", slog.String("error", err.Error()))
		return
	case errors.Is(err, ybts.ErrAuthTimeout):
		outcome = ybts.AuthOutcomeTimeout
	}

	logger.Warn("authentication failed", slog.String("error", err.Error()))
	m.record(store.ConnEvent{
		ConnID: id, Event: store.EventAuth, Subscriber: subscriber, Detail: outcome,
	})

	if _, live := m.core.Lifecycle().Registry().Find(id); !live {
		return
	}
	if outcome == ybts.AuthOutcomeRejected {
		payload, err := m.core.Auth().RenderReject()
		if err != nil {
			logger.Error("auth reject not sent", slog.String("error", err.Error()))
		} else if err := m.core.SendL3(id, 0, payload); err != nil {
			logger.Warn("failed to send auth reject", slog.String("error", err.Error()))
		}
	}
	m.release(id, true, ybts.ReasonAuth)
}

func (m *MM) release(id uint16, hard bool, reason string) {
	if err := m.core.Release(id, hard, reason); err != nil && !errors.Is(err, ybts.ErrConnGone) {
		m.logger.Warn("release failed",
			slog.Uint64("conn", uint64(id)),
			slog.String("error", err.Error()),
		)
	}
}
