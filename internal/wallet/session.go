package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"RailCredit/internal/models"
)

// Status is what the reconciler may read from a wallet session.
type Status struct {
	Connected bool
	Address   string
}

// Transfer is the on-chain payment the wallet is asked to sign and broadcast.
// Amount is in nanotoken units.
type Transfer struct {
	Destination string
	Amount      string
	Memo        string
	ValidUntil  time.Time
}

// Connector is the external wallet (for example a TON Connect bridge).
// SignAndSend fails with models.ErrUserRejected, models.ErrTimeout or a
// transport error.
type Connector interface {
	OnStatusChange(func(Status)) (unsubscribe func())
	Connect(ctx context.Context) (Status, error)
	Disconnect(ctx context.Context) error
	SignAndSend(ctx context.Context, t Transfer) (txRef string, err error)
}

type Outcome string

const (
	OutcomeBroadcast      Outcome = "broadcast"
	OutcomeRejected       Outcome = "rejected"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeTransportError Outcome = "transport_error"
)

// SendResult is the single outcome of one sign-and-send attempt.
type SendResult struct {
	Outcome Outcome
	TxRef   string
	Err     error
}

// Session owns one wallet connection. It is created per UI context and torn
// down with it; nothing about the wallet is kept process-wide.
type Session struct {
	conn Connector

	mu     sync.RWMutex
	status Status
	subs   map[int]func(Status)
	nextID int

	unsubscribe func()
	closeOnce   sync.Once
	done        chan struct{}
}

// NewSession subscribes to conn and closes the session when ctx is done.
func NewSession(ctx context.Context, conn Connector) *Session {
	s := &Session{
		conn: conn,
		subs: map[int]func(Status){},
		done: make(chan struct{}),
	}
	s.unsubscribe = conn.OnStatusChange(s.setStatus)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (s *Session) Connect(ctx context.Context) (Status, error) {
	st, err := s.conn.Connect(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrConnectionRejected) {
			err = fmt.Errorf("%w: %v", models.ErrConnectionRejected, err)
		}
		return Status{}, err
	}
	s.setStatus(st)
	return st, nil
}

func (s *Session) Disconnect(ctx context.Context) error {
	err := s.conn.Disconnect(ctx)
	s.setStatus(Status{})
	return err
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Address() string {
	return s.Status().Address
}

func (s *Session) Connected() bool {
	return s.Status().Connected
}

// Subscribe registers fn for status changes until the returned func is called.
func (s *Session) Subscribe(fn func(Status)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Send asks the wallet to sign and broadcast t. It never retries.
func (s *Session) Send(ctx context.Context, t Transfer) SendResult {
	if !s.Connected() {
		return SendResult{Outcome: OutcomeTransportError, Err: models.ErrConnectionRejected}
	}
	txRef, err := s.conn.SignAndSend(ctx, t)
	return classify(txRef, err)
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.mu.Lock()
		s.status = Status{}
		s.subs = map[int]func(Status){}
		s.mu.Unlock()
	})
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	if !st.Connected {
		st.Address = ""
	}
	changed := s.status != st
	s.status = st
	subs := make([]func(Status), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	if changed {
		for _, fn := range subs {
			fn(st)
		}
	}
}

func classify(txRef string, err error) SendResult {
	switch {
	case err == nil:
		return SendResult{Outcome: OutcomeBroadcast, TxRef: txRef}
	case errors.Is(err, models.ErrUserRejected):
		return SendResult{Outcome: OutcomeRejected, Err: err}
	case errors.Is(err, models.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return SendResult{Outcome: OutcomeTimeout, TxRef: txRef, Err: err}
	default:
		return SendResult{Outcome: OutcomeTransportError, Err: err}
	}
}
