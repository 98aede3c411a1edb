package service

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	domainService "github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// DefaultRateLimits is the stock per-action budget table.
func DefaultRateLimits() map[string]models.RateLimitRule {
	return map[string]models.RateLimitRule{
		constants.RateActionLogin:   {Max: 5, Window: 5 * time.Minute},
		constants.RateActionAPI:     {Max: 1000, Window: time.Minute},
		constants.RateActionMFA:     {Max: 10, Window: 5 * time.Minute},
		constants.RateActionRefresh: {Max: 30, Window: time.Minute},
	}
}

// ipRange is an inclusive address range from an allow-list entry.
type ipRange struct {
	from, to netip.Addr
}

func (r ipRange) contains(a netip.Addr) bool {
	return r.from.Compare(a) <= 0 && a.Compare(r.to) <= 0
}

// cachedAllowlist is a parsed allow-list. No ranges means unrestricted.
type cachedAllowlist struct {
	ranges   []ipRange
	loadedAt time.Time
}

// GuardOption configures a NetworkGuard.
type GuardOption func(*NetworkGuard)

// WithRateLimits replaces the per-action budget table.
func WithRateLimits(rules map[string]models.RateLimitRule) GuardOption {
	return func(g *NetworkGuard) {
		g.limits = make(map[string]models.RateLimitRule, len(rules))
		for k, v := range rules {
			g.limits[k] = v
		}
	}
}

// WithFallbackCounters is consulted when the primary counter store errors.
func WithFallbackCounters(store repository.RateCounterStore) GuardOption {
	return func(g *NetworkGuard) { g.fallback = store }
}

// WithGuardMetrics sets the metrics sink.
func WithGuardMetrics(m domainService.Metrics) GuardOption {
	return func(g *NetworkGuard) { g.metrics = m }
}

// WithAllowlistStore keeps tenant allow-lists in store so every node enforces the
// same lists. Parsed lists are cached for constants.AllowlistCacheTTL.
func WithAllowlistStore(store repository.AllowlistStore) GuardOption {
	return func(g *NetworkGuard) { g.allowStore = store }
}

// WithGuardClock overrides time.Now.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *NetworkGuard) { g.now = now }
}

// WithWAFDisabled skips content inspection in Inspect.
func WithWAFDisabled() GuardOption {
	return func(g *NetworkGuard) { g.wafEnabled = false }
}

// WithRateLimitDisabled skips rate limiting in Inspect.
func WithRateLimitDisabled() GuardOption {
	return func(g *NetworkGuard) { g.rateEnabled = false }
}

// NetworkGuard is the edge defense: block list, tenant allow-lists, fixed-window
// rate limits and content inspection.
type NetworkGuard struct {
	counters  repository.RateCounterStore
	fallback  repository.RateCounterStore
	blocks    repository.BlockStore
	inspector domainService.ContentInspector
	audit     domainService.AuditLogger
	metrics   domainService.Metrics
	logger    logger.Logger
	now       func() time.Time
	limits    map[string]models.RateLimitRule

	wafEnabled  bool
	rateEnabled bool

	allowStore repository.AllowlistStore
	mu         sync.RWMutex
	allowlists map[string]cachedAllowlist
}

// NewNetworkGuard wires a NetworkGuard.
func NewNetworkGuard(
	counters repository.RateCounterStore,
	blocks repository.BlockStore,
	inspector domainService.ContentInspector,
	audit domainService.AuditLogger,
	log logger.Logger,
	opts ...GuardOption,
) *NetworkGuard {
	g := &NetworkGuard{
		counters:    counters,
		blocks:      blocks,
		inspector:   inspector,
		audit:       audit,
		metrics:     domainService.NoopMetrics{},
		logger:      log.WithComponent("NetworkGuard"),
		now:         time.Now,
		limits:      DefaultRateLimits(),
		wafEnabled:  true,
		rateEnabled: true,
		allowlists:  make(map[string]cachedAllowlist),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Inspect runs the full chain for one request: block list, tenant allow-list,
// rate limit, then WAF. The first rejection wins and is ledgered.
func (g *NetworkGuard) Inspect(ctx context.Context, req *models.InboundRequest) error {
	// 1. Block list
	blocked, err := g.IsBlocked(ctx, req.ClientIP)
	if err != nil {
		g.logger.Error(ctx, "Block list unavailable, rejecting", err, logger.String("ip", req.ClientIP))
		return g.reject(ctx, req, "block list unavailable", "blocklist")
	}
	if blocked {
		return g.reject(ctx, req, "address blocked", "blocklist")
	}

	// 2. Tenant allow-list
	if req.TenantID != "" && !g.VerifyIPAllowlist(ctx, req.TenantID, req.ClientIP) {
		return g.reject(ctx, req, "address not in tenant allow-list", "allowlist")
	}

	// 3. Rate limit
	if g.rateEnabled {
		identifier := req.Identifier
		if identifier == "" {
			identifier = req.ClientIP
		}
		res, err := g.CheckRateLimit(ctx, identifier, req.Action)
		if err != nil {
			return err
		}
		if !res.Allowed {
			action := g.actionOrDefault(req.Action)
			g.logAudit(ctx, models.NewAuditEvent(constants.AuditEventRateLimited, identifier).
				WithTenant(req.TenantID).
				WithResource(action, "request").
				WithResult(constants.AuditResultDenied).
				WithMeta("ip", req.ClientIP))
			return errors.ErrRateLimited(action, res.Limit, res.RetryAfter)
		}
	}

	// 4. WAF
	if g.wafEnabled && req.Content != "" {
		res := g.CheckWAF(req.Content)
		if res.Blocked {
			return g.reject(ctx, req, "waf rule "+res.Rule, "waf")
		}
		if len(res.Logged) > 0 {
			g.logger.Warn(ctx, "WAF log rules matched",
				logger.String("ip", req.ClientIP),
				logger.String("rules", strings.Join(res.Logged, ",")))
		}
	}
	return nil
}

func (g *NetworkGuard) reject(ctx context.Context, req *models.InboundRequest, reason, stage string) error {
	g.metrics.RecordGuardBlock(stage)
	g.logger.Warn(ctx, "Request blocked", logger.String("ip", req.ClientIP), logger.String("reason", reason))
	g.logAudit(ctx, models.NewAuditEvent(constants.AuditEventRequestBlocked, req.Identifier).
		WithTenant(req.TenantID).
		WithResource(stage, "request").
		WithResult(constants.AuditResultDenied).
		WithMeta("ip", req.ClientIP).
		WithMeta("reason", reason))
	return errors.ErrBlocked(reason)
}

// CheckRateLimit counts one request of action by identifier. Unknown actions use the
// api budget. When the counter store fails the fallback store counts instead; with
// no fallback the request is refused.
func (g *NetworkGuard) CheckRateLimit(ctx context.Context, identifier, action string) (*models.RateLimitResult, error) {
	action = g.actionOrDefault(action)
	rule := g.limits[action]
	key := action + ":" + identifier

	count, resetAt, err := g.counters.Increment(ctx, key, rule.Window)
	if err != nil {
		g.logger.Warn(ctx, "Rate counter store failed", logger.String("action", action), logger.Err(err))
		if g.fallback == nil {
			g.metrics.RecordRateLimitHit(action)
			return &models.RateLimitResult{Allowed: false, Limit: rule.Max, ResetAt: g.now().Add(rule.Window), RetryAfter: rule.Window}, nil
		}
		count, resetAt, err = g.fallback.Increment(ctx, key, rule.Window)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "rate counters unavailable")
		}
	}

	res := &models.RateLimitResult{
		Allowed:   count <= rule.Max,
		Limit:     rule.Max,
		Remaining: rule.Max - count,
		ResetAt:   resetAt,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(g.now())
		g.metrics.RecordRateLimitHit(action)
	}
	return res, nil
}

func (g *NetworkGuard) actionOrDefault(action string) string {
	if _, ok := g.limits[action]; ok {
		return action
	}
	return constants.RateActionAPI
}

// CheckWAF evaluates content against the firewall rules.
func (g *NetworkGuard) CheckWAF(content string) *models.WAFResult {
	return g.inspector.InspectWAF(content)
}

// ScanDLP reports sensitive data in content. Matches are masked.
func (g *NetworkGuard) ScanDLP(content string) *models.DLPResult {
	return g.inspector.ScanDLP(content)
}

// ScanOutbound scans content leaving the platform and ledgers any findings.
func (g *NetworkGuard) ScanOutbound(ctx context.Context, tenantID, resource, content string) *models.DLPResult {
	res := g.ScanDLP(content)
	if res.Safe {
		return res
	}
	types := make([]string, 0, len(res.Findings))
	for _, f := range res.Findings {
		types = append(types, f.Type)
	}
	g.logAudit(ctx, models.NewAuditEvent(constants.AuditEventDLPFinding, actorFrom(ctx)).
		WithTenant(tenantID).
		WithResource(resource, "egress").
		WithResult(constants.AuditResultDenied).
		WithMeta("findings", strings.Join(types, ",")))
	return res
}

// SetAllowlist replaces the allow-list of tenantID. Entries are CIDR prefixes, single
// addresses or "a-b" ranges. An empty list removes the restriction.
func (g *NetworkGuard) SetAllowlist(ctx context.Context, tenantID string, entries []string) error {
	ranges, err := parseAllowlist(entries)
	if err != nil {
		return err
	}
	if g.allowStore != nil {
		cleaned := make([]string, 0, len(entries))
		for _, raw := range entries {
			cleaned = append(cleaned, strings.TrimSpace(raw))
		}
		if err := g.allowStore.PutAllowlist(ctx, tenantID, cleaned); err != nil {
			return err
		}
	}
	g.mu.Lock()
	g.allowlists[tenantID] = cachedAllowlist{ranges: ranges, loadedAt: g.now()}
	g.mu.Unlock()
	g.logger.Info(ctx, "Allow-list updated", logger.String("tenant_id", tenantID), logger.Int("entries", len(ranges)))
	return nil
}

// VerifyIPAllowlist reports whether ip may reach tenantID. Tenants without an
// allow-list accept every address; unparseable addresses are always refused.
func (g *NetworkGuard) VerifyIPAllowlist(ctx context.Context, tenantID, ip string) bool {
	ranges, ok := g.allowlistOf(ctx, tenantID)
	if !ok {
		return false
	}
	if len(ranges) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, r := range ranges {
		if r.contains(addr) {
			return true
		}
	}
	return false
}

// allowlistOf returns the parsed list of tenantID, reloading it from the store once
// the cached copy is older than constants.AllowlistCacheTTL. ok is false when the
// list cannot be determined.
func (g *NetworkGuard) allowlistOf(ctx context.Context, tenantID string) ([]ipRange, bool) {
	g.mu.RLock()
	cached, hit := g.allowlists[tenantID]
	g.mu.RUnlock()
	if g.allowStore == nil {
		return cached.ranges, true
	}
	now := g.now()
	if hit && now.Sub(cached.loadedAt) < constants.AllowlistCacheTTL {
		return cached.ranges, true
	}

	entries, err := g.allowStore.GetAllowlist(ctx, tenantID)
	var ranges []ipRange
	if err == nil {
		ranges, err = parseAllowlist(entries)
	}
	if err != nil {
		g.logger.Error(ctx, "Allow-list unavailable", err, logger.String("tenant_id", tenantID))
		if hit {
			return cached.ranges, true
		}
		return nil, false
	}
	g.mu.Lock()
	g.allowlists[tenantID] = cachedAllowlist{ranges: ranges, loadedAt: now}
	g.mu.Unlock()
	return ranges, true
}

func parseAllowlist(entries []string) ([]ipRange, error) {
	ranges := make([]ipRange, 0, len(entries))
	for _, raw := range entries {
		r, err := parseAllowEntry(strings.TrimSpace(raw))
		if err != nil {
			return nil, errors.ErrInvalidRequest(fmt.Sprintf("invalid allow-list entry %q: %v", raw, err))
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

func parseAllowEntry(s string) (ipRange, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return ipRange{}, err
		}
		p = p.Masked()
		return ipRange{from: p.Addr(), to: lastAddr(p)}, nil
	}
	if from, to, ok := strings.Cut(s, "-"); ok {
		a, err := netip.ParseAddr(strings.TrimSpace(from))
		if err != nil {
			return ipRange{}, err
		}
		b, err := netip.ParseAddr(strings.TrimSpace(to))
		if err != nil {
			return ipRange{}, err
		}
		a, b = a.Unmap(), b.Unmap()
		if a.BitLen() != b.BitLen() || b.Less(a) {
			return ipRange{}, fmt.Errorf("range bounds out of order")
		}
		return ipRange{from: a, to: b}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return ipRange{}, err
	}
	a = a.Unmap()
	return ipRange{from: a, to: a}, nil
}

// lastAddr returns the highest address inside p.
func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Addr().AsSlice()
	bits := p.Bits()
	for i := range b {
		hostBits := len(b)*8 - bits - (len(b)-1-i)*8
		switch {
		case hostBits >= 8:
			b[i] = 0xff
		case hostBits > 0:
			b[i] |= byte(1<<hostBits) - 1
		}
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}

// BlockIP blocks ip for ttl; ttl <= 0 blocks until UnblockIP.
func (g *NetworkGuard) BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error {
	if _, err := netip.ParseAddr(ip); err != nil {
		return errors.ErrInvalidRequest("invalid ip address: " + ip)
	}
	entry := &models.BlockEntry{IP: ip, Reason: reason, BlockedAt: g.now()}
	if err := g.blocks.Block(ctx, entry, ttl); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to block address")
	}
	g.logger.Warn(ctx, "Address blocked", logger.String("ip", ip), logger.String("reason", reason), logger.Duration("ttl", ttl))
	g.logAudit(ctx, models.NewAuditEvent(constants.AuditEventIPBlocked, actorFrom(ctx)).
		WithResource(ip, "block").
		WithMeta("reason", reason).
		WithMeta("ttl", ttl.String()))
	return nil
}

// UnblockIP lifts a block.
func (g *NetworkGuard) UnblockIP(ctx context.Context, ip string) error {
	if err := g.blocks.Unblock(ctx, ip); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to unblock address")
	}
	g.logAudit(ctx, models.NewAuditEvent(constants.AuditEventIPUnblocked, actorFrom(ctx)).WithResource(ip, "unblock"))
	return nil
}

// IsBlocked reports whether ip is currently blocked.
func (g *NetworkGuard) IsBlocked(ctx context.Context, ip string) (bool, error) {
	return g.blocks.IsBlocked(ctx, ip)
}

// ListBlocked returns the active blocks.
func (g *NetworkGuard) ListBlocked(ctx context.Context) ([]*models.BlockEntry, error) {
	return g.blocks.List(ctx)
}

func (g *NetworkGuard) logAudit(ctx context.Context, event *models.AuditEvent) {
	if g.audit == nil {
		return
	}
	if _, err := g.audit.LogEvent(ctx, event); err != nil {
		g.logger.Error(ctx, "Failed to write audit event", err, logger.String("event_type", string(event.EventType)))
	}
}
