// Package commit implements the attempt side of the output commit handshake:
// poll the arbiter until it authorizes this attempt, then commit the output
// exactly once, aborting it if the commit fails.
package commit

import (
	"context"
	"errors"
	"time"

	"DistCommit/internal/logger"
	"DistCommit/internal/types"
)

// Arbiter decides which attempt of a task may commit. A false answer means
// "not yet"; an error is a failure to get an answer at all.
type Arbiter interface {
	CanCommit(ctx context.Context) (bool, error)
}

// ArbiterFunc adapts a function to Arbiter.
type ArbiterFunc func(ctx context.Context) (bool, error)

func (f ArbiterFunc) CanCommit(ctx context.Context) (bool, error) { return f(ctx) }

// Output is an attempt output that may need an explicit commit.
type Output interface {
	IsCommitRequired() bool
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Phase is the state of one handshake.
type Phase string

const (
	PhaseWaiting        Phase = "WAITING_FOR_AUTHORIZATION"
	PhaseAuthorized     Phase = "AUTHORIZED"
	PhaseCommitted      Phase = "COMMITTED"
	PhaseCommitFailed   Phase = "COMMIT_FAILED"
	PhaseAborted        Phase = "ABORTED"
	PhaseQueryExhausted Phase = "QUERY_EXHAUSTED"
	PhaseCancelled      Phase = "CANCELLED"
	PhaseDenied         Phase = "DENIED"
)

// Authorization is the outcome of waiting for the arbiter.
type Authorization int

const (
	Authorized Authorization = iota
	Cancelled
	Denied
	Failed
)

func (a Authorization) String() string {
	switch a {
	case Authorized:
		return "authorized"
	case Cancelled:
		return "cancelled"
	case Denied:
		return "denied"
	default:
		return "failed"
	}
}

// Policy bounds the handshake.
type Policy struct {
	// Backoff is slept after every negative answer.
	Backoff time.Duration
	// MaxQueryFailures is the number of failed queries that ends the
	// handshake. Failures are counted over the whole handshake.
	MaxQueryFailures int
	// MaxDenials, when positive, ends the handshake after that many negative
	// answers. Zero waits until authorized or cancelled.
	MaxDenials int
}

func DefaultPolicy() Policy {
	return Policy{Backoff: time.Second, MaxQueryFailures: 3}
}

// Sleeper blocks for d or until ctx is done, returning ctx.Err() in that case.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result describes a finished handshake.
type Result struct {
	Phase         Phase
	Authorization Authorization
	Queries       int
	Denials       int
	QueryFailures int
}

// Committed reports whether the output was made visible.
func (r Result) Committed() bool {
	return r.Phase == PhaseCommitted
}

// Client runs commit handshakes for one attempt.
type Client struct {
	attempt string
	arbiter Arbiter
	policy  Policy
	sleep   Sleeper
	logger  *logger.Logger
}

type Config struct {
	Attempt string
	Arbiter Arbiter
	Policy  Policy
	Sleeper Sleeper
	Logger  *logger.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Arbiter == nil {
		return nil, errors.New("arbiter is required")
	}
	if cfg.Policy.MaxQueryFailures <= 0 {
		cfg.Policy.MaxQueryFailures = DefaultPolicy().MaxQueryFailures
	}
	if cfg.Policy.Backoff <= 0 {
		cfg.Policy.Backoff = DefaultPolicy().Backoff
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = sleepContext
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("INFO").Named("commit")
	}
	return &Client{
		attempt: cfg.Attempt,
		arbiter: cfg.Arbiter,
		policy:  cfg.Policy,
		sleep:   cfg.Sleeper,
		logger:  cfg.Logger,
	}, nil
}

func (c *Client) Policy() Policy {
	return c.policy
}

// WaitForAuthorization polls the arbiter. It returns Authorized with a nil
// error, Cancelled or Denied with a nil error, or Failed with an error that
// wraps types.ErrAuthorizationQuery.
func (c *Client) WaitForAuthorization(ctx context.Context, res *Result) (Authorization, error) {
	res.Phase = PhaseWaiting
	var lastErr error

	for {
		if ctx.Err() != nil {
			res.Phase = PhaseCancelled
			return Cancelled, nil
		}

		res.Queries++
		ok, err := c.arbiter.CanCommit(ctx)
		if err != nil {
			if ctx.Err() != nil {
				res.Phase = PhaseCancelled
				return Cancelled, nil
			}
			res.QueryFailures++
			lastErr = err
			c.logger.Warn("Failure sending canCommit: attempt=%s failures=%d/%d err=%v",
				c.attempt, res.QueryFailures, c.policy.MaxQueryFailures, err)
			if res.QueryFailures >= c.policy.MaxQueryFailures {
				res.Phase = PhaseQueryExhausted
				return Failed, types.NewAttemptError(types.ErrAuthorizationQuery, c.attempt, "canCommit", lastErr)
			}
			continue
		}

		if ok {
			res.Phase = PhaseAuthorized
			return Authorized, nil
		}

		res.Denials++
		if c.policy.MaxDenials > 0 && res.Denials >= c.policy.MaxDenials {
			res.Phase = PhaseDenied
			c.logger.Warn("Commit not authorized: attempt=%s denials=%d", c.attempt, res.Denials)
			return Denied, nil
		}
		c.logger.Debug("Commit not yet authorized: attempt=%s denials=%d", c.attempt, res.Denials)

		if err := c.sleep(ctx, c.policy.Backoff); err != nil {
			res.Phase = PhaseCancelled
			return Cancelled, nil
		}
	}
}

// Commit waits for authorization and then commits out exactly once. Once
// authorized the commit is not subject to ctx cancellation.
func (c *Client) Commit(ctx context.Context, out Output) (Result, error) {
	var res Result

	auth, err := c.WaitForAuthorization(ctx, &res)
	res.Authorization = auth
	if auth != Authorized {
		if err == nil {
			c.logger.Info("Stopped waiting for commit authorization: attempt=%s outcome=%s queries=%d",
				c.attempt, auth, res.Queries)
		}
		return res, err
	}

	c.logger.Info("Task %s is allowed to commit now", c.attempt)
	commitCtx := context.WithoutCancel(ctx)

	if err := out.Commit(commitCtx); err != nil {
		res.Phase = PhaseCommitFailed
		c.logger.Warn("Failure committing: attempt=%s err=%v", c.attempt, err)
		c.discard(commitCtx, out)
		res.Phase = PhaseAborted
		return res, types.NewAttemptError(types.ErrCommit, c.attempt, "commit", err)
	}

	res.Phase = PhaseCommitted
	return res, nil
}

// Discard aborts out, logging rather than returning any failure.
func (c *Client) Discard(ctx context.Context, out Output) {
	c.discard(ctx, out)
}

func (c *Client) discard(ctx context.Context, out Output) {
	if err := out.Abort(ctx); err != nil {
		aerr := types.NewAttemptError(types.ErrAbort, c.attempt, "abort", err)
		c.logger.Warn("Failure cleaning up: %v", aerr)
	}
}
