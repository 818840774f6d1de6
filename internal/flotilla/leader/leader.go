package leader

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LeaderController is implemented by structs that control which orchestrator
// instance is leader.
type LeaderController interface {
	// GetToken returns a LeaderToken which allows you to determine if you are leader or not
	GetToken() LeaderToken
	// ValidateToken allows a caller to determine whether a previously obtained token is still valid.
	// Returns true if the token is a leader token and false otherwise
	ValidateToken(tok LeaderToken) bool
	// Run starts the controller. This is a blocking call which returns when the provided context is cancelled
	Run(ctx context.Context) error
	// GetLeaderReport returns a report about the current leader
	GetLeaderReport() LeaderReport
}

type LeaderReport struct {
	IsCurrentProcessLeader bool
	LeaderName             string
	TtlRemaining           time.Duration
}

// LeaderToken is a token handed out to leader-only loops which they can use
// to determine if this instance still leads. A new token is issued for every
// tenure, so state built under an old token is never trusted after a gap.
type LeaderToken struct {
	leader bool
	id     uuid.UUID
}

func (t LeaderToken) IsLeader() bool {
	return t.leader
}

// InvalidLeaderToken returns a LeaderToken indicating this instance is not leader.
func InvalidLeaderToken() LeaderToken {
	return LeaderToken{
		leader: false,
		id:     uuid.New(),
	}
}

// NewLeaderToken returns a LeaderToken indicating this instance is the leader.
func NewLeaderToken() LeaderToken {
	return LeaderToken{
		leader: true,
		id:     uuid.New(),
	}
}

// LeaseListener allows clients to listen for leadership changes.
type LeaseListener interface {
	// Called when this instance has started leading.
	OnStartedLeading(ctx context.Context)
	// Called when this instance has stopped leading.
	OnStoppedLeading()
}

// StandaloneLeaderController returns a token that always indicates you are leader.
// This can be used when only a single orchestrator instance is run.
type StandaloneLeaderController struct {
	token LeaderToken
}

func NewStandaloneLeaderController() *StandaloneLeaderController {
	return &StandaloneLeaderController{
		token: NewLeaderToken(),
	}
}

func (lc *StandaloneLeaderController) GetToken() LeaderToken {
	return lc.token
}

func (lc *StandaloneLeaderController) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return lc.token.id == tok.id
	}
	return false
}

func (lc *StandaloneLeaderController) GetLeaderReport() LeaderReport {
	return LeaderReport{
		LeaderName:             "standalone",
		IsCurrentProcessLeader: true,
	}
}

func (lc *StandaloneLeaderController) Run(ctx context.Context) error {
	return nil
}
