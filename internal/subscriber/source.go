package subscriber

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/security-geeks/evilbts/internal/store"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// Store is the credential storage the source reads and advances.
// *store.Subscribers implements it.
type Store interface {
	Get(ctx context.Context, imsi string) (store.Subscriber, error)
	AdvanceSQN(ctx context.Context, imsi string, step uint64) (store.Subscriber, error)
	SetSQN(ctx context.Context, imsi string, sqn uint64) error
}

// cksnNone is the reserved "no key available" value.
const cksnNone = 7

// Source is a ybts.VectorSource backed by the subscriber store.
// Subscriber names are IMSIs, optionally with an "imsi-" prefix.
type Source struct {
	store  Store
	random io.Reader
	gsm    bool
	cksn   atomic.Uint32
	logger *slog.Logger
}

var _ ybts.VectorSource = (*Source)(nil)

// Option configures a Source.
type Option func(*Source)

// WithRandom replaces crypto/rand as the RAND generator.
func WithRandom(r io.Reader) Option {
	return func(s *Source) { s.random = r }
}

// WithGSMOnly issues challenges without AUTN whose expected result is the
// 4-octet SRES.
func WithGSMOnly() Option {
	return func(s *Source) { s.gsm = true }
}

// NewSource creates a vector source over st.
func NewSource(st Store, logger *slog.Logger, opts ...Option) *Source {
	s := &Source{
		store:  st,
		random: rand.Reader,
		logger: logger.With(slog.String("component", "subscriber")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Vector implements ybts.VectorSource. Unknown and barred subscribers are
// refused.
func (s *Source) Vector(ctx context.Context, subscriber string) (ybts.Challenge, []byte, error) {
	imsi := IMSI(subscriber)
	sub, err := s.store.Get(ctx, imsi)
	if errors.Is(err, store.ErrNotFound) {
		return ybts.Challenge{}, nil, fmt.Errorf("%w: %s unknown", ybts.ErrAuthRefused, imsi)
	}
	if err != nil {
		return ybts.Challenge{}, nil, err
	}
	if sub.Barred {
		return ybts.Challenge{}, nil, fmt.Errorf("%w: %s barred", ybts.ErrAuthRefused, imsi)
	}

	keys, err := ParseKeys(sub.Ki, sub.OPc, sub.AMF)
	if err != nil {
		return ybts.Challenge{}, nil, fmt.Errorf("subscriber %s: %w", imsi, err)
	}
	sub, err = s.store.AdvanceSQN(ctx, imsi, 1)
	if err != nil {
		return ybts.Challenge{}, nil, err
	}

	var r [16]byte
	if _, err := io.ReadFull(s.random, r[:]); err != nil {
		return ybts.Challenge{}, nil, fmt.Errorf("read RAND: %w", err)
	}
	v, err := GenerateVector(keys, r, sub.SQN)
	if err != nil {
		return ybts.Challenge{}, nil, fmt.Errorf("subscriber %s: %w", imsi, err)
	}

	ch := ybts.Challenge{RAND: v.RAND, CKSN: s.nextCKSN()}
	if s.gsm {
		return ch, v.SRES(), nil
	}
	ch.AUTN = v.AUTN

	s.logger.Debug("vector issued",
		slog.String("imsi", imsi),
		slog.Uint64("sqn", sub.SQN),
	)
	return ch, v.XRES, nil
}

// Resync implements ybts.VectorSource: it verifies AUTS and stores the
// handset's sequence number so the next vector is fresh.
func (s *Source) Resync(ctx context.Context, subscriber string, r [16]byte, auts []byte) error {
	imsi := IMSI(subscriber)
	sub, err := s.store.Get(ctx, imsi)
	if err != nil {
		return err
	}
	keys, err := ParseKeys(sub.Ki, sub.OPc, sub.AMF)
	if err != nil {
		return fmt.Errorf("subscriber %s: %w", imsi, err)
	}
	sqn, err := VerifyAUTS(keys, r, auts)
	if err != nil {
		return fmt.Errorf("subscriber %s: %w", imsi, err)
	}
	if err := s.store.SetSQN(ctx, imsi, sqn); err != nil {
		return err
	}
	s.logger.Info("sequence number resynchronized",
		slog.String("imsi", imsi),
		slog.Uint64("old_sqn", sub.SQN),
		slog.Uint64("sqn", sqn),
	)
	return nil
}

func (s *Source) nextCKSN() uint8 {
	return uint8(s.cksn.Add(1) % cksnNone)
}

// IMSI strips the identity prefix from a subscriber name.
func IMSI(subscriber string) string {
	return strings.TrimPrefix(subscriber, "imsi-")
}
