package ingest

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/database/models"
)

// MatchWindow is how far a recording timestamp may be from a call start.
const MatchWindow = 5 * time.Second

// Match methods stored on recordings.
const (
	MethodCallID        = "call_id"
	MethodInternalID    = "internal_id"
	MethodTimeExtension = "time_extension"
	MethodTimeOnly      = "time_only"
)

// timeOnlyConfidence is the fixed score of a window-only match.
const timeOnlyConfidence = 40

// Match links a recording to a call. A zero Match means no call was found.
type Match struct {
	Call       *models.Call
	Method     string
	Confidence int
}

// matchFunc tries one strategy. It returns nil when the strategy does not
// apply or finds nothing.
type matchFunc func(ctx context.Context, meta FileMeta) (*Match, error)

// Matcher runs the match strategies in order; the first hit wins.
type Matcher struct {
	calls database.CallRepository
	chain []matchFunc
}

// NewMatcher creates a Matcher looking calls up in calls.
func NewMatcher(calls database.CallRepository) *Matcher {
	m := &Matcher{calls: calls}
	m.chain = []matchFunc{
		m.byCallID,
		m.byInternalID,
		m.byTimeAndExtension,
		m.byTimeOnly,
	}
	return m
}

// Match returns the best call for meta, or a zero Match.
func (m *Matcher) Match(ctx context.Context, meta FileMeta) (Match, error) {
	for _, fn := range m.chain {
		res, err := fn(ctx, meta)
		if err != nil {
			return Match{}, err
		}
		if res != nil {
			return *res, nil
		}
	}
	return Match{}, nil
}

func (m *Matcher) byCallID(ctx context.Context, meta FileMeta) (*Match, error) {
	if meta.CallID == nil {
		return nil, nil
	}
	call, err := m.calls.GetByExternalID(ctx, *meta.CallID)
	if err != nil {
		return nil, fmt.Errorf("looking up call by external id: %w", err)
	}
	if call == nil {
		return nil, nil
	}
	return &Match{Call: call, Method: MethodCallID, Confidence: 100}, nil
}

func (m *Matcher) byInternalID(ctx context.Context, meta FileMeta) (*Match, error) {
	if meta.CallID == nil {
		return nil, nil
	}
	id, err := strconv.ParseInt(*meta.CallID, 10, 64)
	if err != nil || id <= 0 {
		return nil, nil
	}
	call, err := m.calls.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("looking up call by id: %w", err)
	}
	if call == nil {
		return nil, nil
	}
	return &Match{Call: call, Method: MethodInternalID, Confidence: 100}, nil
}

func (m *Matcher) byTimeAndExtension(ctx context.Context, meta FileMeta) (*Match, error) {
	if meta.Timestamp == nil || meta.Extension == nil {
		return nil, nil
	}
	calls, err := m.window(ctx, *meta.Timestamp)
	if err != nil {
		return nil, err
	}

	var best *models.Call
	var bestDelta time.Duration
	for i := range calls {
		c := &calls[i]
		if !involves(c, *meta.Extension) {
			continue
		}
		d := delta(c.StartTime, *meta.Timestamp)
		if best == nil || d < bestDelta {
			best, bestDelta = c, d
		}
	}
	if best == nil {
		return nil, nil
	}
	return &Match{Call: best, Method: MethodTimeExtension, Confidence: windowConfidence(bestDelta)}, nil
}

// byTimeOnly takes the call starting closest to the timestamp. Two calls
// at the same distance are ambiguous and produce no match.
func (m *Matcher) byTimeOnly(ctx context.Context, meta FileMeta) (*Match, error) {
	if meta.Timestamp == nil {
		return nil, nil
	}
	calls, err := m.window(ctx, *meta.Timestamp)
	if err != nil {
		return nil, err
	}

	var best *models.Call
	var bestDelta time.Duration
	tied := false
	for i := range calls {
		c := &calls[i]
		d := delta(c.StartTime, *meta.Timestamp)
		switch {
		case best == nil || d < bestDelta:
			best, bestDelta, tied = c, d, false
		case d == bestDelta:
			tied = true
		}
	}
	if best == nil || tied {
		return nil, nil
	}
	return &Match{Call: best, Method: MethodTimeOnly, Confidence: timeOnlyConfidence}, nil
}

func (m *Matcher) window(ctx context.Context, ts time.Time) ([]models.Call, error) {
	calls, err := m.calls.FindInWindow(ctx, ts.Add(-MatchWindow), ts.Add(MatchWindow))
	if err != nil {
		return nil, fmt.Errorf("finding calls near %s: %w", ts.Format(time.RFC3339), err)
	}
	return calls, nil
}

// windowConfidence scales linearly from 100 at d=0 to 50 at the window edge.
func windowConfidence(d time.Duration) int {
	if d < 0 {
		d = -d
	}
	if d > MatchWindow {
		return 0
	}
	frac := 1 - float64(d)/float64(MatchWindow)
	return 50 + int(math.Round(50*frac))
}

func involves(c *models.Call, extension string) bool {
	return c.AgentID == extension || c.CallerNumber == extension || c.CalledNumber == extension
}

func delta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
