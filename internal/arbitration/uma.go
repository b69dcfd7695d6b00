package arbitration

import (
	"context"
	"time"
)

// UMA polls every 5s for up to 5 minutes.
var umaPoll = PollOptions{MaxAttempts: 60, Delay: 5 * time.Second}

// UMA is the optimistic-oracle adapter. Claims live under /claims and
// resolve to a boolean result.
type UMA struct {
	*Client
}

// NewUMA creates the optimistic-oracle adapter.
func NewUMA(cfg Config) (*UMA, error) {
	c, err := newClient(dialect{
		name:          ProviderUMA,
		collection:    "claims",
		disputeAction: "challenge",
		disputeField:  "challengeId",
		poll:          umaPoll,
		normalize:     normalizeUMA,
	}, cfg)
	if err != nil {
		return nil, err
	}
	return &UMA{Client: c}, nil
}

// ChallengeClaim disputes an assertion during its challenge window.
func (u *UMA) ChallengeClaim(ctx context.Context, requestID, challenger string, evidence any) (string, error) {
	return u.Dispute(ctx, requestID, challenger, evidence)
}

func normalizeUMA(requestID string, s *statusResponse) *ResolutionResult {
	return &ResolutionResult{
		RequestID:      requestID,
		Resolved:       s.Resolved,
		Result:         s.Result != nil && *s.Result,
		Timestamp:      unixTime(s.Timestamp),
		Challenger:     s.Challenger,
		ResolutionData: s.ResolutionData,
	}
}
