// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ids

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"shortlink"
)

// Minting modes reported by State().
const (
	ModeCounter     = "counter"
	ModeHash        = "hash"
	ModeUnavailable = "unavailable"
)

// reservedAliases are never mintable, regardless of availability.
var reservedAliases = []string{
	"api", "admin", "www", "app", "auth", "health", "metrics",
	"static", "dashboard", "analytics", "go", "new", "add",
}

// ServiceOptions tune the minting service.
type ServiceOptions struct {
	// CodeLen is the minimum length of generated codes. Default 7.
	CodeLen int
	// RangeSize is the counter reservation size. Default DefaultRangeSize.
	RangeSize int
	// TripThreshold is how many consecutive counter failures open the
	// breaker. Default 3.
	TripThreshold uint32
	// OpenTimeout is how long the breaker stays open before letting a trial
	// through. Default 30s.
	OpenTimeout time.Duration
	// ProbeInterval paces the background health probe that retries the
	// counter while the breaker is not closed. Default 30s.
	ProbeInterval time.Duration
	// ProbeTimeout bounds one probe reservation. Default 5s.
	ProbeTimeout time.Duration
	// ExtraReserved extends the built-in reserved alias set.
	ExtraReserved []string
	// Hash configures the fallback generator.
	Hash HashOptions
	// OnModeChange, when set, observes breaker transitions.
	OnModeChange func(from, to string)
	Logger       logrus.FieldLogger
}

func (o *ServiceOptions) setDefaults() {
	if o.CodeLen <= 0 {
		o.CodeLen = 7
	}
	if o.RangeSize <= 0 {
		o.RangeSize = DefaultRangeSize
	}
	if o.TripThreshold == 0 {
		o.TripThreshold = 3
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Service mints short codes. The counter path runs behind a circuit breaker;
// while it is open, minting transparently switches to the hash generator, and
// a background probe keeps retrying the counter so the breaker can close
// without caller traffic. Callers only ever see ErrIDUnavailable when both
// paths fail.
type Service struct {
	alloc    *Allocator
	gen      *HashGenerator
	cb       *gobreaker.CircuitBreaker
	reserver RangeReserver
	prober   CodeProber
	opts     ServiceOptions
	log      logrus.FieldLogger
	reserved map[string]struct{}

	fallbackFailing atomic.Bool
	lastTransition  atomic.Int64 // unix nanos

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewService wires the allocator, fallback generator, and breaker.
func NewService(reserver RangeReserver, prober CodeProber, opts ServiceOptions) (*Service, error) {
	opts.setDefaults()
	gen, err := NewHashGenerator(prober, opts.Hash)
	if err != nil {
		return nil, err
	}

	s := &Service{
		alloc:    NewAllocator(reserver, opts.RangeSize),
		gen:      gen,
		reserver: reserver,
		prober:   prober,
		opts:     opts,
		log:      opts.Logger,
		reserved: make(map[string]struct{}, len(reservedAliases)+len(opts.ExtraReserved)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, w := range reservedAliases {
		s.reserved[w] = struct{}{}
	}
	for _, w := range opts.ExtraReserved {
		s.reserved[strings.ToLower(w)] = struct{}{}
	}

	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "id-counter",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.TripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.lastTransition.Store(time.Now().UnixNano())
			s.log.WithFields(logrus.Fields{
				"breaker": name, "from": from.String(), "to": to.String(),
			}).Warn("id counter breaker transition")
			if opts.OnModeChange != nil {
				opts.OnModeChange(modeFor(from, false), modeFor(to, false))
			}
		},
	})
	return s, nil
}

// Start launches the background health probe. Safe to call once; Stop undoes it.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		go s.probeLoop()
	})
}

// Stop halts the probe loop and waits for it to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

// MintCode returns a fresh short code for the URL. Counter first; hash
// fallback while the counter path is failing or the breaker is open; an
// unavailable-kind error only when both fail. Uniqueness of hash codes is
// probed here, while counter codes are unique by construction; the final
// arbiter either way is the store's primary key at insert.
func (s *Service) MintCode(ctx context.Context, longURL string) (string, error) {
	v, cbErr := s.cb.Execute(func() (interface{}, error) {
		return s.alloc.NextID(ctx)
	})
	if cbErr == nil {
		s.fallbackFailing.Store(false)
		return shortlink.Encode(v.(uint64), s.opts.CodeLen), nil
	}

	res, hashErr := s.gen.Generate(ctx, longURL)
	if hashErr != nil {
		s.fallbackFailing.Store(true)
		return "", errors.Wrapf(shortlink.ErrIDUnavailable,
			"counter: %v; hash fallback: %v", cbErr, hashErr)
	}
	s.fallbackFailing.Store(false)
	s.log.WithFields(logrus.Fields{
		"code": res.Code, "collisions": res.Collisions,
	}).Info("minted via hash fallback")
	return res.Code, nil
}

// MintAlias validates a requested alias and probes availability. It does not
// reserve: the insert's primary key settles races, surfacing as a conflict.
func (s *Service) MintAlias(ctx context.Context, alias string) (string, error) {
	if !shortlink.ValidCode(alias) {
		return "", errors.Wrapf(shortlink.ErrValidation, "alias %q", alias)
	}
	if _, hit := s.reserved[strings.ToLower(alias)]; hit {
		return "", errors.Wrapf(shortlink.ErrValidation, "alias %q is reserved", alias)
	}
	exists, err := s.prober.CodeExists(ctx, alias)
	if err != nil {
		return "", errors.Wrapf(err, "probe alias %s", alias)
	}
	if exists {
		return "", errors.Wrapf(shortlink.ErrAliasTaken, "alias %s", alias)
	}
	return alias, nil
}

// State is a point-in-time snapshot for logs and collectors.
type State struct {
	Mode                string
	Breaker             string
	ConsecutiveFailures uint32
	FallbackFailing     bool
	LastTransition      time.Time
}

// State reports the current minting mode and breaker internals.
func (s *Service) State() State {
	st := State{
		Mode:                modeFor(s.cb.State(), s.fallbackFailing.Load()),
		Breaker:             s.cb.State().String(),
		ConsecutiveFailures: s.cb.Counts().ConsecutiveFailures,
		FallbackFailing:     s.fallbackFailing.Load(),
	}
	if ns := s.lastTransition.Load(); ns > 0 {
		st.LastTransition = time.Unix(0, ns)
	}
	return st
}

// Mode is shorthand for State().Mode.
func (s *Service) Mode() string {
	return modeFor(s.cb.State(), s.fallbackFailing.Load())
}

func modeFor(st gobreaker.State, fallbackFailing bool) string {
	if fallbackFailing {
		return ModeUnavailable
	}
	if st == gobreaker.StateOpen {
		return ModeHash
	}
	return ModeCounter
}

// probeLoop exercises the counter while the breaker is not closed. While
// fully open the Execute is a cheap no-op; once half-open it carries the
// trial reservation that lets the breaker close without caller traffic. The
// probe burns one ID per successful trial, an acceptable gap.
func (s *Service) probeLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.cb.State() == gobreaker.StateClosed {
				continue
			}
			_, err := s.cb.Execute(func() (interface{}, error) {
				ctx, cancel := context.WithTimeout(context.Background(), s.opts.ProbeTimeout)
				defer cancel()
				_, _, perr := s.reserver.ReserveRange(ctx, 1)
				return nil, perr
			})
			if err != nil && err != gobreaker.ErrOpenState {
				s.log.WithError(err).Debug("counter probe failed")
			}
		}
	}
}
