package arbitration

import (
	"context"
	"encoding/json"
	"time"
)

// Kleros polls every 10s for up to 20 minutes.
var klerosPoll = PollOptions{MaxAttempts: 120, Delay: 10 * time.Second}

// RulingUpheld is the court ruling that upholds a claim. Any other ruling
// rejects it.
const RulingUpheld = 1

// Kleros is the court-style adapter. Claims live under /disputes and
// resolve to an integer ruling.
type Kleros struct {
	*Client
}

// NewKleros creates the court-style adapter.
func NewKleros(cfg Config) (*Kleros, error) {
	c, err := newClient(dialect{
		name:          ProviderKleros,
		collection:    "disputes",
		disputeAction: "appeal",
		disputeField:  "appealId",
		poll:          klerosPoll,
		normalize:     normalizeKleros,
	}, cfg)
	if err != nil {
		return nil, err
	}
	return &Kleros{Client: c}, nil
}

// AppealDispute appeals a ruling during its appeal period.
func (k *Kleros) AppealDispute(ctx context.Context, disputeID, appellant string, evidence any) (string, error) {
	return k.Dispute(ctx, disputeID, appellant, evidence)
}

type klerosRulingData struct {
	Ruling int64           `json:"ruling"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func normalizeKleros(requestID string, s *statusResponse) *ResolutionResult {
	res := &ResolutionResult{
		RequestID:      requestID,
		Resolved:       s.Resolved,
		Result:         s.Ruling != nil && *s.Ruling == RulingUpheld,
		Timestamp:      unixTime(s.Timestamp),
		Challenger:     s.Challenger,
		ResolutionData: s.ResolutionData,
	}
	// Keep non-upholding rulings (refuse to arbitrate, split, ...) visible.
	if s.Ruling != nil && *s.Ruling != RulingUpheld {
		if raw, err := json.Marshal(klerosRulingData{Ruling: *s.Ruling, Data: s.ResolutionData}); err == nil {
			res.ResolutionData = raw
		}
	}
	return res
}
