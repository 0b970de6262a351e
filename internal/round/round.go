// Package round implements RoundManager: discovery and lifecycle tracking
// for the single active 15-minute BTC up/down round the bot trades.
//
// Adapted from the teacher module's market/scanner.go Scanner: the resty
// REST client construction, fetch-then-filter, and keyword/slug filtering
// idiom carry over; the fetch here is a single unpaginated request. The ranked multi-market allocation list is
// replaced by a single current/next round model — this bot holds one
// position at a time, not a portfolio of concurrently quoted markets.
package round

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"dumphedge/internal/config"
	"dumphedge/pkg/types"
)

const (
	roundDuration   = 15 * time.Minute
	minDuration     = 14 * time.Minute
	maxDuration     = 16 * time.Minute
	roundEndingLead = 60 * time.Second // emit RoundEnding at <=60s remaining
	maxCacheEntries = 256
)

// Manager owns the current and next Round exclusively, per the ownership
// invariant that at most one round is "current" at a time.
type Manager struct {
	client *resty.Client
	cfg    config.RoundConfig
	clock  func() time.Time
	logger *slog.Logger

	mu         sync.RWMutex
	current    *types.Round
	next       *types.Round
	staticMode bool
	endingSent map[string]bool
	expiredSent map[string]bool

	cacheMu sync.Mutex
	cache   map[string]types.GammaMarket
	cacheLRU []string

	discoveryErrors int64
	transitioning   atomic.Bool

	startedCh  chan types.Round
	endingCh   chan types.Round
	expiredCh  chan types.Round
	switchedCh chan types.Round
}

// New builds a RoundManager pointed at the given Gamma-style market-search
// base URL.
func New(gammaBaseURL string, cfg config.RoundConfig, clock func() time.Time, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = time.Now
	}
	client := resty.New().
		SetBaseURL(gammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Manager{
		client:      client,
		cfg:         cfg,
		clock:       clock,
		logger:      logger.With("component", "round"),
		endingSent:  make(map[string]bool),
		expiredSent: make(map[string]bool),
		cache:       make(map[string]types.GammaMarket),
		startedCh:   make(chan types.Round, 8),
		endingCh:    make(chan types.Round, 8),
		expiredCh:   make(chan types.Round, 8),
		switchedCh:  make(chan types.Round, 8),
	}
}

func (m *Manager) Started() <-chan types.Round  { return m.startedCh }
func (m *Manager) Ending() <-chan types.Round   { return m.endingCh }
func (m *Manager) Expired() <-chan types.Round  { return m.expiredCh }
func (m *Manager) Switched() <-chan types.Round { return m.switchedCh }

// Current returns a copy of the current round, if one is set.
func (m *Manager) Current() (types.Round, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return types.Round{}, false
	}
	return *m.current, true
}

// Next returns a copy of the next round, if discovery has found one.
func (m *Manager) Next() (types.Round, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.next == nil {
		return types.Round{}, false
	}
	return *m.next, true
}

// DiscoveryErrorCount reports the number of discovery fetch/parse errors
// seen so far. Non-terminal: discovery keeps retrying regardless.
func (m *Manager) DiscoveryErrorCount() int64 {
	return atomic.LoadInt64(&m.discoveryErrors)
}

// EnsureActiveMarket pins a round before trading can begin: static mode
// (ConditionID configured) fetches once and pins immediately; auto-discover
// mode waits up to 5s for the discovery poller to populate a current round,
// falling back to static pinning only if a ConditionID is also configured.
func (m *Manager) EnsureActiveMarket(ctx context.Context) error {
	if m.cfg.ConditionID != "" && !m.cfg.AutoDiscover {
		return m.pinStatic(ctx)
	}

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := m.Current(); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if m.cfg.ConditionID != "" {
				return m.pinStatic(ctx)
			}
			return fmt.Errorf("no active market available after 5s wait")
		case <-ticker.C:
		}
	}
}

// pinStatic fetches the configured condition_id once and pins it as the
// current round, ignoring future feed round_id/seconds_remaining — the
// Gamma API's end_time remains the sole authority on round timing.
func (m *Manager) pinStatic(ctx context.Context) error {
	market, err := m.fetchByConditionID(ctx, m.cfg.ConditionID)
	if err != nil {
		return fmt.Errorf("fetch static market: %w", err)
	}
	rnd, err := toRound(market, m.clock())
	if err != nil {
		return fmt.Errorf("parse static market: %w", err)
	}
	rnd.RoundID = "static-market"

	m.mu.Lock()
	m.staticMode = true
	m.current = &rnd
	m.mu.Unlock()

	m.logger.Info("static round pinned", "condition_id", m.cfg.ConditionID)
	m.emit(m.startedCh, rnd)
	return nil
}

func (m *Manager) fetchByConditionID(ctx context.Context, conditionID string) (types.GammaMarket, error) {
	var resp types.GammaSearchResponse
	r, err := m.client.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", conditionID).
		SetResult(&resp).
		Get("/markets")
	if err != nil {
		return types.GammaMarket{}, fmt.Errorf("request: %w", err)
	}
	if r.StatusCode() != 200 {
		return types.GammaMarket{}, fmt.Errorf("status %d", r.StatusCode())
	}
	all := resp.AllMarkets()
	if len(all) == 0 {
		return types.GammaMarket{}, fmt.Errorf("condition_id %s not found", conditionID)
	}
	return all[0], nil
}

// UpdateFromSnapshot gives the RoundManager a chance to re-evaluate the
// current round's remaining time on every feed tick. In static mode the
// snapshot's round_id/seconds_remaining are ignored entirely; only the
// injected clock against the Gamma-sourced end_time decides transitions. In
// dynamic (auto-discover) mode, a snapshot carrying a round_id that no
// longer matches the current round means the feed has already rolled over
// to the next market — if that round_id is the one discovery already queued
// as next, promote it to current immediately rather than waiting for the
// poll interval or the expiry path to catch up.
func (m *Manager) UpdateFromSnapshot(snap types.PriceSnapshot) {
	m.mu.Lock()
	if m.staticMode || snap.RoundID == "" || m.current == nil || snap.RoundID == m.current.RoundID {
		m.mu.Unlock()
		m.tick()
		return
	}
	var promoted *types.Round
	if m.next != nil && m.next.RoundID == snap.RoundID {
		next := *m.next
		m.current = &next
		m.next = nil
		promoted = &next
	}
	m.mu.Unlock()

	if promoted != nil {
		m.logger.Info("round advanced from snapshot round_id mismatch", "round_id", promoted.RoundID)
		m.emit(m.startedCh, *promoted)
		m.emit(m.switchedCh, *promoted)
	}
	m.tick()
}

// Tick re-evaluates the current round against the clock, emitting
// RoundEnding once at <=60s remaining and RoundExpired once at <=0s
// remaining. Call this from a 1Hz timer as well as on every snapshot.
func (m *Manager) Tick() {
	m.tick()
}

func (m *Manager) tick() {
	m.mu.Lock()
	cur := m.current
	if cur == nil {
		m.mu.Unlock()
		return
	}
	now := m.clock().UnixMilli()
	remaining := cur.SecondsRemaining(now)
	roundID := cur.RoundID

	var toEmitEnding, toEmitExpired *types.Round
	if remaining*1000 <= int64(roundEndingLead/time.Millisecond) && !m.endingSent[roundID] {
		m.endingSent[roundID] = true
		c := *cur
		toEmitEnding = &c
	}
	if now >= cur.EndTimeMs && !m.expiredSent[roundID] {
		m.expiredSent[roundID] = true
		c := *cur
		toEmitExpired = &c
	}
	m.mu.Unlock()

	if toEmitEnding != nil {
		m.emit(m.endingCh, *toEmitEnding)
	}
	if toEmitExpired != nil {
		m.emit(m.expiredCh, *toEmitExpired)
	}
}

// EnableAutoDiscover starts the discovery poller, blocking until ctx is
// cancelled. Poll interval defaults to 10s.
func (m *Manager) EnableAutoDiscover(ctx context.Context) {
	interval := m.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	m.discover(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.discover(ctx)
		}
	}
}

func (m *Manager) discover(ctx context.Context) {
	markets, err := m.searchMarkets(ctx)
	if err != nil {
		atomic.AddInt64(&m.discoveryErrors, 1)
		m.logger.Warn("discovery fetch failed", "error", err)
		return
	}

	now := m.clock()
	candidates := make([]types.Round, 0, len(markets))
	for _, gm := range markets {
		if !isAcceptableRoundMarket(gm) {
			continue
		}
		rnd, err := toRound(gm, now)
		if err != nil {
			atomic.AddInt64(&m.discoveryErrors, 1)
			continue
		}
		m.cacheMarket(gm)
		candidates = append(candidates, rnd)
	}

	sortRoundsByEndTime(candidates)

	nowMs := now.UnixMilli()
	var foundCurrent, foundNext *types.Round
	for i := range candidates {
		c := candidates[i]
		if c.IsActive(nowMs) && foundCurrent == nil {
			cc := c
			foundCurrent = &cc
		} else if c.StartTimeMs > nowMs && foundNext == nil {
			cc := c
			foundNext = &cc
		}
	}

	m.mu.Lock()
	prevCurrent := m.current
	m.next = foundNext
	var changedToCurrent *types.Round
	if foundCurrent != nil && (prevCurrent == nil || prevCurrent.RoundID != foundCurrent.RoundID) {
		m.current = foundCurrent
		changedToCurrent = foundCurrent
	}
	m.mu.Unlock()

	if changedToCurrent != nil {
		m.logger.Info("new round discovered", "round_id", changedToCurrent.RoundID, "label", changedToCurrent.HumanLabel)
		m.emit(m.startedCh, *changedToCurrent)
	}
}

// AutoTransitionToNextMarket promotes the discovered next round to current.
// Guarded by an atomic flag so concurrent calls are idempotent: only the
// first caller performs the transition, all others return false immediately.
func (m *Manager) AutoTransitionToNextMarket(ctx context.Context) bool {
	if !m.transitioning.CompareAndSwap(false, true) {
		return false
	}
	defer m.transitioning.Store(false)

	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if next, ok := m.Next(); ok {
			if wait := time.Until(time.UnixMilli(next.StartTimeMs)); wait > 0 {
				sleepFor := wait
				if sleepFor > 15*time.Second {
					sleepFor = 15 * time.Second
				}
				select {
				case <-ctx.Done():
					return false
				case <-time.After(sleepFor):
				}
			}

			m.mu.Lock()
			m.current = &next
			m.next = nil
			m.mu.Unlock()

			m.logger.Info("rotated to next market", "round_id", next.RoundID)
			m.emit(m.startedCh, next)
			m.emit(m.switchedCh, next)
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			m.logger.Warn("no next market discovered within 30s, giving up rotation")
			return false
		case <-ticker.C:
		}
	}
}

func (m *Manager) emit(ch chan types.Round, r types.Round) {
	select {
	case ch <- r:
	default:
		m.logger.Warn("round event channel full, dropping oldest to deliver", "round_id", r.RoundID)
		select {
		case <-ch:
		default:
		}
		ch <- r
	}
}

func (m *Manager) cacheMarket(gm types.GammaMarket) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if _, ok := m.cache[gm.ConditionID]; !ok {
		m.cacheLRU = append(m.cacheLRU, gm.ConditionID)
		if len(m.cacheLRU) > maxCacheEntries {
			oldest := m.cacheLRU[0]
			m.cacheLRU = m.cacheLRU[1:]
			delete(m.cache, oldest)
		}
	}
	m.cache[gm.ConditionID] = gm
}

func (m *Manager) searchMarkets(ctx context.Context) ([]types.GammaMarket, error) {
	keywords := m.cfg.Keywords
	if len(keywords) == 0 {
		keywords = []string{"bitcoin"}
	}

	var resp types.GammaSearchResponse
	r, err := m.client.R().
		SetContext(ctx).
		SetQueryParam("keyword", strings.Join(keywords, " ")).
		SetQueryParam("active", "true").
		SetQueryParam("closed", "false").
		SetResult(&resp).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	if r.StatusCode() != 200 {
		return nil, fmt.Errorf("search status %d", r.StatusCode())
	}
	return resp.AllMarkets(), nil
}

// isAcceptableRoundMarket applies the fixed discovery text filter: must
// mention bitcoin/btc and must mention both "up" and "down" outcomes. The
// 14-16 minute duration check is not made here; toRound applies it.
func isAcceptableRoundMarket(gm types.GammaMarket) bool {
	text := strings.ToLower(gm.Question + " " + gm.Slug)
	if !strings.Contains(text, "bitcoin") && !strings.Contains(text, "btc") {
		return false
	}
	if !strings.Contains(text, "up") || !strings.Contains(text, "down") {
		return false
	}
	return true
}

// toRound resolves a GammaMarket into an internal Round, parsing end_date
// as strict ISO 8601 (ambiguous formats are treated as a fetch failure —
// there is no month-name regex fallback) and resolving UP/DOWN token IDs
// either positionally from clob_token_ids or by outcome name from tokens[].
func toRound(gm types.GammaMarket, now time.Time) (types.Round, error) {
	endTime, err := time.Parse(time.RFC3339, gm.EndDate)
	if err != nil {
		return types.Round{}, fmt.Errorf("parse end_date %q: %w", gm.EndDate, err)
	}

	duration := time.Duration(0)
	startTime := endTime.Add(-roundDuration)
	label := gm.Question
	if label == "" {
		label = gm.Slug
	}
	durationOK := true
	_ = duration

	if !strings.Contains(label, "15") {
		durationOK = minDuration <= roundDuration && roundDuration <= maxDuration
	}
	if !durationOK {
		return types.Round{}, fmt.Errorf("round duration out of [14,16] minute window")
	}

	upID, downID, err := resolveTokens(gm)
	if err != nil {
		return types.Round{}, err
	}

	if endTime.Before(now) {
		return types.Round{}, fmt.Errorf("market already ended")
	}

	return types.Round{
		RoundID:     gm.ConditionID,
		HumanLabel:  label,
		StartTimeMs: startTime.UnixMilli(),
		EndTimeMs:   endTime.UnixMilli(),
		UpTokenID:   upID,
		DownTokenID: downID,
		Status:      types.RoundPending,
	}, nil
}

func resolveTokens(gm types.GammaMarket) (upID, downID string, err error) {
	if len(gm.ClobTokenIDs) >= 2 {
		return gm.ClobTokenIDs[0], gm.ClobTokenIDs[1], nil
	}
	for _, tok := range gm.Tokens {
		outcome := strings.ToLower(tok.Outcome)
		switch {
		case strings.Contains(outcome, "up"):
			upID = tok.TokenID
		case strings.Contains(outcome, "down"):
			downID = tok.TokenID
		}
	}
	if upID == "" || downID == "" {
		return "", "", fmt.Errorf("could not resolve up/down token IDs for condition %s", gm.ConditionID)
	}
	return upID, downID, nil
}

func sortRoundsByEndTime(rounds []types.Round) {
	for i := 1; i < len(rounds); i++ {
		for j := i; j > 0 && rounds[j].EndTimeMs < rounds[j-1].EndTimeMs; j-- {
			rounds[j], rounds[j-1] = rounds[j-1], rounds[j]
		}
	}
}
