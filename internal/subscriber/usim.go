package subscriber

import (
	"errors"
	"sync"

	"github.com/security-geeks/evilbts/internal/l3"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// USIM answers challenges the way a handset's SIM does and tracks the
// highest sequence number it has accepted.
type USIM struct {
	keys Keys

	mu  sync.Mutex
	sqn uint64
}

// NewUSIM creates a SIM that has last accepted sequence number sqn.
func NewUSIM(k Keys, sqn uint64) *USIM {
	return &USIM{keys: k, sqn: sqn}
}

// SQN returns the highest accepted sequence number.
func (u *USIM) SQN() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sqn
}

// Answer verifies ch and returns the response or failure to send back.
// A challenge carrying a sequence number not above the stored one yields
// a synchronisation failure with AUTS.
func (u *USIM) Answer(ch ybts.Challenge) ybts.AuthResponse {
	if len(ch.AUTN) == 0 {
		sres, err := GSMResponse(u.keys, ch.RAND)
		if err != nil {
			return ybts.AuthResponse{Failed: true, Cause: l3.CauseMACFailure}
		}
		return ybts.AuthResponse{Result: sres}
	}

	sqn, res, err := OpenAUTN(u.keys, ch.RAND, ch.AUTN)
	if err != nil {
		if errors.Is(err, ErrMACFail) || errors.Is(err, ErrBadAUTN) {
			return ybts.AuthResponse{Failed: true, Cause: l3.CauseMACFailure}
		}
		return ybts.AuthResponse{Failed: true, Cause: l3.CauseNetworkFailure}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if sqn <= u.sqn {
		auts, err := GenerateAUTS(u.keys, ch.RAND, u.sqn)
		if err != nil {
			return ybts.AuthResponse{Failed: true, Cause: l3.CauseNetworkFailure}
		}
		return ybts.AuthResponse{Failed: true, Cause: l3.CauseSynchFailure, Resync: auts}
	}
	u.sqn = sqn
	return ybts.AuthResponse{Result: res}
}
