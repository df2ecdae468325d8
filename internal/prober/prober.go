package prober

import (
	"context"
	"errors"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

const PingTimeout = time.Second

var ErrResolve = errors.New("cannot resolve host")

// Capability records which kind of ICMP socket the process may open.
type Capability int

const (
	Unavailable Capability = iota
	Unprivileged
	Privileged
)

func (c Capability) String() string {
	switch c {
	case Privileged:
		return "privileged"
	case Unprivileged:
		return "unprivileged"
	default:
		return "unavailable"
	}
}

// ProbeCapability checks once whether raw or datagram ICMP sockets can be
// opened. The result is meant to be passed to New.
func ProbeCapability(logger *zap.Logger) Capability {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, c := range []Capability{Privileged, Unprivileged} {
		if canPing(c == Privileged) {
			logger.Info("icmp ping available", zap.Stringer("mode", c))
			return c
		}
	}
	logger.Info("cannot use icmp because privileges are insufficient to create the socket")
	return Unavailable
}

func canPing(privileged bool) bool {
	pinger, err := probing.NewPinger("127.0.0.1")
	if err != nil {
		return false
	}
	pinger.SetPrivileged(privileged)
	pinger.Count = 1
	pinger.Timeout = 200 * time.Millisecond
	return pinger.Run() == nil
}

type Prober struct {
	capability Capability
	timeout    time.Duration
	logger     *zap.Logger
}

func New(capability Capability, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("prober")
	if capability == Unavailable {
		logger.Warn("icmp unavailable, every ping will report the inverter offline")
	}
	return &Prober{
		capability: capability,
		timeout:    PingTimeout,
		logger:     logger,
	}
}

func (p *Prober) Capability() Capability {
	return p.capability
}

// Alive sends a single echo request to host. A lookup failure is reported
// as ErrResolve; no reply within the timeout is (false, nil). Cancelling ctx
// stops the ping and returns ctx.Err().
func (p *Prober) Alive(ctx context.Context, host string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.logger.Debug("ping", zap.String("host", host))

	pinger, err := probing.NewPinger(host)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrResolve, host, err)
	}
	pinger.SetPrivileged(p.capability == Privileged)
	pinger.Count = 1
	pinger.Timeout = p.timeout

	err = pinger.RunWithContext(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		p.logger.Debug("ping failed", zap.String("host", host), zap.Error(err))
		return false, nil
	}

	return pinger.Statistics().PacketsRecv > 0, nil
}
