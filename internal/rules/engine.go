// Package rules decides whether a call's recording is kept, based on the
// prioritised recording rules.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/database/models"
	"github.com/calldoc/calldoc/internal/ttlcache"
)

// CacheTTL is how long loaded rules are reused before reloading.
const CacheTTL = 30 * time.Second

const cacheKey = "active"

// ErrInvalidConditions is returned by SaveRule when a rule's conditions do
// not decode or name an unknown timezone.
var ErrInvalidConditions = errors.New("invalid rule conditions")

// Conditions is the JSON payload of a rule. Which fields are consulted
// depends on the rule kind.
type Conditions struct {
	Agents    []string `json:"agents"`
	Groups    []string `json:"groups"`
	Patterns  []string `json:"patterns"`
	Days      []string `json:"days"`       // e.g. ["mon","tue"]
	StartTime string   `json:"start_time"` // "HH:MM"
	EndTime   string   `json:"end_time"`   // "HH:MM", exclusive
	Timezone  string   `json:"timezone"`
}

// Decision is the outcome of evaluating a call.
type Decision struct {
	ShouldRecord  bool   `json:"should_record"`
	RuleID        int64  `json:"rule_id,omitempty"`
	RuleName      string `json:"rule_name,omitempty"`
	RecordPercent int    `json:"record_percent"`
}

// compiledRule is a rule with its conditions decoded and patterns compiled.
type compiledRule struct {
	rule     models.RecordingRule
	cond     Conditions
	patterns []matcher
	loc      *time.Location
}

// matcher reports whether a number matches one pattern.
type matcher func(string) bool

// Engine evaluates calls against the active rules.
type Engine struct {
	repo   database.RecordingRuleRepository
	cache  *ttlcache.Cache[string, []compiledRule]
	logger *slog.Logger

	// nowFunc and randFunc are overridden in tests.
	nowFunc  func() time.Time
	randFunc func() float64
}

// NewEngine creates an Engine over repo.
func NewEngine(repo database.RecordingRuleRepository, logger *slog.Logger) *Engine {
	return &Engine{
		repo:     repo,
		cache:    ttlcache.New[string, []compiledRule](CacheTTL),
		logger:   logger.With("subsystem", "rules"),
		nowFunc:  time.Now,
		randFunc: rand.Float64,
	}
}

// Evaluate walks the active rules in priority order. The first rule whose
// direction filter and kind-specific conditions match decides; its record
// percentage is then sampled once for this call. No match means the call
// is not recorded.
func (e *Engine) Evaluate(ctx context.Context, call *models.Call) (Decision, error) {
	rules, err := e.cache.GetOrLoad(ctx, cacheKey, e.load)
	if err != nil {
		return Decision{}, err
	}

	now := e.nowFunc()
	for i := range rules {
		cr := &rules[i]
		if !directionAllows(cr.rule.DirectionFilter, call.Direction) {
			continue
		}
		if !cr.matches(call, now) {
			continue
		}

		d := Decision{
			RuleID:        cr.rule.ID,
			RuleName:      cr.rule.Name,
			RecordPercent: cr.rule.RecordPercent,
			ShouldRecord:  e.sample(cr.rule.RecordPercent),
		}
		e.logger.Debug("recording rule matched",
			"call_id", call.ID,
			"rule_id", cr.rule.ID,
			"rule", cr.rule.Name,
			"record", d.ShouldRecord,
		)
		return d, nil
	}
	return Decision{}, nil
}

// SaveRule creates or updates rule and drops the cached rule set.
func (e *Engine) SaveRule(ctx context.Context, rule *models.RecordingRule) error {
	if rule.Conditions != "" {
		if _, err := compile(*rule); err != nil {
			return err
		}
	}

	var err error
	if rule.ID == 0 {
		err = e.repo.Create(ctx, rule)
	} else {
		err = e.repo.Update(ctx, rule)
	}
	e.Invalidate()
	if err != nil {
		return fmt.Errorf("saving recording rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule and drops the cached rule set.
func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	err := e.repo.Delete(ctx, id)
	e.Invalidate()
	if err != nil {
		return fmt.Errorf("deleting recording rule %d: %w", id, err)
	}
	return nil
}

// Invalidate forces the next evaluation to reload rules.
func (e *Engine) Invalidate() {
	e.cache.Invalidate(cacheKey)
}

func (e *Engine) load(ctx context.Context) ([]compiledRule, error) {
	rules, err := e.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading recording rules: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr, err := compile(r)
		if err != nil {
			e.logger.Warn("skipping invalid recording rule", "rule_id", r.ID, "error", err)
			continue
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

func (e *Engine) sample(percent int) bool {
	switch {
	case percent >= 100:
		return true
	case percent <= 0:
		return false
	default:
		return e.randFunc() < float64(percent)/100
	}
}

func compile(r models.RecordingRule) (compiledRule, error) {
	cr := compiledRule{rule: r, loc: time.Local}
	if r.Conditions != "" {
		if err := json.Unmarshal([]byte(r.Conditions), &cr.cond); err != nil {
			return cr, fmt.Errorf("rule %q: %w: %w", r.Name, ErrInvalidConditions, err)
		}
	}
	if cr.cond.Timezone != "" {
		loc, err := time.LoadLocation(cr.cond.Timezone)
		if err != nil {
			return cr, fmt.Errorf("rule %q: %w: timezone %q: %w", r.Name, ErrInvalidConditions, cr.cond.Timezone, err)
		}
		cr.loc = loc
	}
	for _, p := range cr.cond.Patterns {
		cr.patterns = append(cr.patterns, compilePattern(p))
	}
	return cr, nil
}

// compilePattern treats p as a regular expression, or as a literal
// substring when it does not compile.
func compilePattern(p string) matcher {
	re, err := regexp.Compile(p)
	if err != nil {
		return func(s string) bool { return strings.Contains(s, p) }
	}
	return re.MatchString
}

func directionAllows(filter, direction string) bool {
	return filter == "" || filter == "all" || filter == direction
}

func (cr *compiledRule) matches(call *models.Call, now time.Time) bool {
	switch cr.rule.Kind {
	case models.RuleKindAgent:
		return inList(cr.cond.Agents, call.AgentID)
	case models.RuleKindGroup:
		return inList(cr.cond.Groups, call.QueueName)
	case models.RuleKindDirection:
		return true
	case models.RuleKindNumber:
		return cr.matchesNumber(call.CallerNumber) || cr.matchesNumber(call.CalledNumber)
	case models.RuleKindBasicCallEvent:
		return inList(cr.cond.Agents, call.AgentID) && inList(cr.cond.Groups, call.QueueName)
	case models.RuleKindAdvanced:
		return inList(cr.cond.Agents, call.AgentID) &&
			inList(cr.cond.Groups, call.QueueName) &&
			inSchedule(now.In(cr.loc), cr.cond)
	default:
		return false
	}
}

func (cr *compiledRule) matchesNumber(number string) bool {
	if number == "" {
		return false
	}
	for _, m := range cr.patterns {
		if m(number) {
			return true
		}
	}
	return false
}

// inList reports whether v is in list; an empty list matches everything.
func inList(list []string, v string) bool {
	return len(list) == 0 || slices.Contains(list, v)
}

// inSchedule checks the day-of-week set and the HH:MM window. Either part
// may be omitted. Windows whose start is after their end span midnight.
func inSchedule(now time.Time, cond Conditions) bool {
	if len(cond.Days) > 0 {
		today := strings.ToLower(now.Weekday().String()[:3])
		found := false
		for _, d := range cond.Days {
			d = strings.ToLower(strings.TrimSpace(d))
			if len(d) >= 3 && d[:3] == today {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if cond.StartTime == "" && cond.EndTime == "" {
		return true
	}
	startH, startM, ok := parseHHMM(cond.StartTime)
	if !ok {
		return false
	}
	endH, endM, ok := parseHHMM(cond.EndTime)
	if !ok {
		return false
	}

	nowMinutes := now.Hour()*60 + now.Minute()
	startMinutes := startH*60 + startM
	endMinutes := endH*60 + endM

	if startMinutes > endMinutes {
		return nowMinutes >= startMinutes || nowMinutes < endMinutes
	}
	return nowMinutes >= startMinutes && nowMinutes < endMinutes
}

// parseHHMM parses a "HH:MM" time string into hours and minutes.
func parseHHMM(s string) (int, int, bool) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}
