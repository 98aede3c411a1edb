package service

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
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

// AdminRole is the bootstrap role holding every permission.
const AdminRole = "admin"

// DefaultRoles is the bootstrap role table.
func DefaultRoles() []models.Role {
	return []models.Role{
		{ID: AdminRole, Permissions: []models.Permission{{Resource: models.Wildcard, Action: models.Wildcard}}},
		{ID: "security-operator", Permissions: []models.Permission{
			{Resource: "guard", Action: models.Wildcard},
			{Resource: "threats", Action: "read"},
			{Resource: "sessions", Action: "revoke"},
		}},
		{ID: "auditor", Permissions: []models.Permission{
			{Resource: "ledger", Action: "read"},
			{Resource: "reports", Action: "read"},
		}},
		{ID: "key-custodian", Permissions: []models.Permission{
			{Resource: "keys", Action: models.Wildcard},
			{Resource: "backups", Action: models.Wildcard},
		}},
	}
}

var validOperators = map[string]bool{
	models.OperatorEquals:      true,
	models.OperatorIn:          true,
	models.OperatorContains:    true,
	models.OperatorGreaterThan: true,
	models.OperatorLessThan:    true,
}

// AuthzOption configures an AuthorizationEngine.
type AuthzOption func(*AuthorizationEngine)

// WithAuthzMetrics sets the metrics sink.
func WithAuthzMetrics(m domainService.Metrics) AuthzOption {
	return func(e *AuthorizationEngine) { e.metrics = m }
}

// WithAuthzClock overrides time.Now.
func WithAuthzClock(now func() time.Time) AuthzOption {
	return func(e *AuthorizationEngine) { e.now = now }
}

// WithAuthzSink feeds role changes to the security monitor.
func WithAuthzSink(sink domainService.SecuritySink) AuthzOption {
	return func(e *AuthorizationEngine) { e.sink = sink }
}

// AuthorizationEngine answers RBAC, ABAC and per-resource grant questions. All
// state lives in the store; a store error denies.
type AuthorizationEngine struct {
	store repository.AccessStore

	mu   sync.RWMutex
	sink domainService.SecuritySink

	audit   domainService.AuditLogger
	metrics domainService.Metrics
	logger  logger.Logger
	now     func() time.Time
}

// NewAuthorizationEngine creates an engine over store.
func NewAuthorizationEngine(store repository.AccessStore, audit domainService.AuditLogger, log logger.Logger, opts ...AuthzOption) *AuthorizationEngine {
	e := &AuthorizationEngine{
		store:   store,
		audit:   audit,
		metrics: domainService.NoopMetrics{},
		logger:  log.WithComponent("AuthorizationEngine"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SeedRoles stores each role that is not defined yet. Existing definitions win, so
// a redefined bootstrap role survives restarts.
func (e *AuthorizationEngine) SeedRoles(ctx context.Context, roles []models.Role) error {
	for _, r := range roles {
		_, err := e.store.GetRole(ctx, r.ID)
		if err == nil {
			continue
		}
		if !errors.HasCode(err, errors.CodeNotFound) {
			return err
		}
		role := cloneRole(r)
		if err := e.store.PutRole(ctx, &role); err != nil {
			return err
		}
	}
	return nil
}

// SetSecuritySink wires the security monitor after construction.
func (e *AuthorizationEngine) SetSecuritySink(sink domainService.SecuritySink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// DefineRole adds or replaces a role. Turning a role elevated counts as an
// escalation of everyone already holding it.
func (e *AuthorizationEngine) DefineRole(ctx context.Context, role models.Role) error {
	if role.ID == "" {
		return errors.ErrInvalidRequest("role id is required")
	}
	for _, p := range role.Permissions {
		if p.Resource == "" || p.Action == "" {
			return errors.ErrInvalidRequest("permission needs a resource and an action")
		}
	}
	wasElevated := false
	if prev, err := e.store.GetRole(ctx, role.ID); err == nil {
		wasElevated = prev.Elevated()
	} else if !errors.HasCode(err, errors.CodeNotFound) {
		return err
	}
	stored := cloneRole(role)
	if err := e.store.PutRole(ctx, &stored); err != nil {
		return err
	}
	e.logAudit(ctx, models.NewAuditEvent(constants.AuditEventPermissionChanged, actorFrom(ctx)).
		WithResource("role:"+role.ID, "define"))

	if wasElevated || !stored.Elevated() {
		return nil
	}
	holders, err := e.store.SubjectsWithRole(ctx, role.ID)
	if err != nil {
		e.logger.Error(ctx, "Failed to list role holders", err, logger.String("role", role.ID))
		return nil
	}
	for _, subject := range holders {
		e.reportElevation(ctx, subject, role.ID)
	}
	return nil
}

// AssignRole gives subjectID the role roleID.
func (e *AuthorizationEngine) AssignRole(ctx context.Context, subjectID, roleID string) error {
	role, err := e.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := e.store.Assign(ctx, subjectID, roleID); err != nil {
		return err
	}

	e.logger.Info(ctx, "Role assigned", logger.String("subject_id", subjectID), logger.String("role", roleID))
	e.logAudit(ctx, models.NewAuditEvent(constants.AuditEventPermissionChanged, actorFrom(ctx)).
		WithResource(subjectID, "assign_role").
		WithMeta("role", roleID))
	if role.Elevated() {
		e.reportElevation(ctx, subjectID, roleID)
	}
	return nil
}

// reportElevation feeds one elevated permission change to the monitor.
func (e *AuthorizationEngine) reportElevation(ctx context.Context, subjectID, scope string) {
	e.mu.RLock()
	sink := e.sink
	e.mu.RUnlock()
	if sink == nil {
		return
	}
	sink.Record(models.SecurityEvent{
		Kind:      constants.SecurityEventPermissionChange,
		SubjectID: subjectID,
		TenantID:  tenantID(ctx),
		SourceIP:  clientIP(ctx),
		Scope:     scope,
		Timestamp: e.now(),
		Metadata:  map[string]string{"elevated": "true"},
	})
}

// UnassignRole removes roleID from subjectID.
func (e *AuthorizationEngine) UnassignRole(ctx context.Context, subjectID, roleID string) error {
	if err := e.store.Unassign(ctx, subjectID, roleID); err != nil {
		return err
	}
	e.logAudit(ctx, models.NewAuditEvent(constants.AuditEventPermissionChanged, actorFrom(ctx)).
		WithResource(subjectID, "unassign_role").
		WithMeta("role", roleID))
	return nil
}

// RolesOf lists the roles of subjectID, sorted.
func (e *AuthorizationEngine) RolesOf(ctx context.Context, subjectID string) ([]string, error) {
	return e.store.RolesOf(ctx, subjectID)
}

// CheckPermission reports whether any role of subjectID, or a live resource grant,
// allows action on resource. Denials are ledgered.
func (e *AuthorizationEngine) CheckPermission(ctx context.Context, subjectID, resource, action string) bool {
	allowed, err := e.permitted(ctx, subjectID, resource, action)
	if err != nil {
		e.logger.Error(ctx, "Access store unavailable, denying", err, logger.String("subject_id", subjectID))
	}
	e.decide(ctx, subjectID, resource, action, allowed, "rbac")
	return allowed
}

func (e *AuthorizationEngine) permitted(ctx context.Context, subjectID, resource, action string) (bool, error) {
	roleIDs, err := e.store.RolesOf(ctx, subjectID)
	if err != nil {
		return false, err
	}
	for _, roleID := range roleIDs {
		role, err := e.store.GetRole(ctx, roleID)
		if errors.HasCode(err, errors.CodeNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		for _, p := range role.Permissions {
			if p.Matches(resource, action) {
				return true, nil
			}
		}
	}
	return e.grantAllows(ctx, subjectID, resource, action)
}

// CheckPolicy evaluates the ABAC policy of req.Resource. Without a policy it falls
// back to CheckPermission; with one, every condition must hold.
func (e *AuthorizationEngine) CheckPolicy(ctx context.Context, req *models.AccessRequest) bool {
	if req == nil {
		return false
	}
	policy, err := e.store.GetPolicy(ctx, req.Resource)
	if errors.HasCode(err, errors.CodeNotFound) {
		return e.CheckPermission(ctx, req.SubjectID, req.Resource, req.Action)
	}
	if err != nil {
		e.logger.Error(ctx, "Access store unavailable, denying", err, logger.String("resource", req.Resource))
		e.decide(ctx, req.SubjectID, req.Resource, req.Action, false, "abac")
		return false
	}

	allowed := true
	evalCtx, err := e.policyContext(ctx, req)
	if err != nil {
		e.logger.Error(ctx, "Access store unavailable, denying", err, logger.String("subject_id", req.SubjectID))
		allowed = false
	}
	for _, c := range policy.Conditions {
		if !allowed {
			break
		}
		allowed = evaluateCondition(c, evalCtx)
	}
	e.decide(ctx, req.SubjectID, req.Resource, req.Action, allowed, "abac")
	return allowed
}

// Authorize is CheckPolicy returning an AuthorizationDenied error on refusal.
func (e *AuthorizationEngine) Authorize(ctx context.Context, req *models.AccessRequest) error {
	if e.CheckPolicy(ctx, req) {
		return nil
	}
	return errors.ErrAuthorizationDenied(req.SubjectID, req.Resource, req.Action)
}

// SetPolicy installs or replaces the policy of a resource.
func (e *AuthorizationEngine) SetPolicy(ctx context.Context, policy models.Policy) error {
	if policy.ResourceID == "" {
		return errors.ErrInvalidRequest("policy resource is required")
	}
	for _, c := range policy.Conditions {
		if c.Type == "" || !validOperators[c.Operator] {
			return errors.ErrInvalidRequest(fmt.Sprintf("invalid condition %q %q", c.Type, c.Operator))
		}
	}
	stored := models.Policy{
		ResourceID: policy.ResourceID,
		Conditions: append([]models.Condition(nil), policy.Conditions...),
	}
	if err := e.store.PutPolicy(ctx, &stored); err != nil {
		return err
	}
	e.logAudit(ctx, models.NewAuditEvent(constants.AuditEventPermissionChanged, actorFrom(ctx)).
		WithResource(policy.ResourceID, "set_policy"))
	return nil
}

// RemovePolicy drops the policy of resourceID.
func (e *AuthorizationEngine) RemovePolicy(ctx context.Context, resourceID string) error {
	if err := e.store.DeletePolicy(ctx, resourceID); err != nil {
		return err
	}
	e.logAudit(ctx, models.NewAuditEvent(constants.AuditEventPermissionChanged, actorFrom(ctx)).
		WithResource(resourceID, "remove_policy"))
	return nil
}

// GrantResourceAccess gives subjectID the listed actions on resourceID for ttl,
// replacing any earlier grant on the same resource.
func (e *AuthorizationEngine) GrantResourceAccess(ctx context.Context, subjectID, resourceID string, permissions []string, ttl time.Duration) (*models.ResourceGrant, error) {
	if subjectID == "" || resourceID == "" || len(permissions) == 0 {
		return nil, errors.ErrInvalidRequest("subject, resource and permissions are required")
	}
	if ttl <= 0 {
		return nil, errors.ErrInvalidRequest("grant ttl must be positive")
	}
	now := e.now()
	grant := &models.ResourceGrant{
		SubjectID:   subjectID,
		ResourceID:  resourceID,
		Permissions: append([]string(nil), permissions...),
		GrantedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := e.store.PutGrant(ctx, grant); err != nil {
		return nil, err
	}

	e.logAudit(ctx, models.NewAuditEvent(constants.AuditEventPermissionChanged, actorFrom(ctx)).
		WithResource(resourceID, "grant").
		WithMeta("grantee", subjectID).
		WithMeta("permissions", strings.Join(permissions, ",")).
		WithMeta("expires_at", grant.ExpiresAt.UTC().Format(time.RFC3339)))
	if grant.Elevated() {
		e.reportElevation(ctx, subjectID, "grant/"+resourceID)
	}
	c := *grant
	return &c, nil
}

// CheckResourceAccess reports whether a live grant covers action.
func (e *AuthorizationEngine) CheckResourceAccess(ctx context.Context, subjectID, resourceID, action string) bool {
	allowed, err := e.grantAllows(ctx, subjectID, resourceID, action)
	if err != nil {
		e.logger.Error(ctx, "Access store unavailable, denying", err, logger.String("subject_id", subjectID))
	}
	e.decide(ctx, subjectID, resourceID, action, allowed, "grant")
	return allowed
}

// RevokeResourceAccess drops the grant of subjectID on resourceID.
func (e *AuthorizationEngine) RevokeResourceAccess(ctx context.Context, subjectID, resourceID string) error {
	if err := e.store.DeleteGrant(ctx, subjectID, resourceID); err != nil {
		return err
	}
	e.logAudit(ctx, models.NewAuditEvent(constants.AuditEventPermissionChanged, actorFrom(ctx)).
		WithResource(resourceID, "revoke_grant").
		WithMeta("grantee", subjectID))
	return nil
}

// PurgeExpiredGrants removes lapsed grants and returns how many.
func (e *AuthorizationEngine) PurgeExpiredGrants(ctx context.Context) int {
	n, err := e.store.DeleteExpiredGrants(ctx, e.now())
	if err != nil {
		e.logger.Error(ctx, "Failed to purge expired grants", err)
		return 0
	}
	if n > 0 {
		e.logger.Debug(ctx, "Purged expired grants", logger.Int("count", n))
	}
	return n
}

func (e *AuthorizationEngine) grantAllows(ctx context.Context, subjectID, resourceID, action string) (bool, error) {
	g, err := e.store.GetGrant(ctx, subjectID, resourceID)
	if errors.HasCode(err, errors.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !g.Expired(e.now()) && g.Allows(action), nil
}

func (e *AuthorizationEngine) policyContext(ctx context.Context, req *models.AccessRequest) (map[string]interface{}, error) {
	ts := req.Time
	if ts.IsZero() {
		ts = e.now()
	}
	roles, err := e.store.RolesOf(ctx, req.SubjectID)
	if err != nil {
		return nil, err
	}
	evalCtx := map[string]interface{}{
		"roles":     roles,
		"ip":        req.IP,
		"timestamp": ts.Unix(),
		"hour":      ts.Hour(),
		"tenant":    req.TenantID,
		"subject":   req.SubjectID,
	}
	for k, v := range req.Attributes {
		evalCtx["attributes."+k] = v
		if _, reserved := evalCtx[k]; !reserved {
			evalCtx[k] = v
		}
	}
	return evalCtx, nil
}

func (e *AuthorizationEngine) decide(ctx context.Context, subjectID, resource, action string, allowed bool, mode string) {
	if allowed {
		e.metrics.RecordAuthorization("allow")
		return
	}
	e.metrics.RecordAuthorization("deny")
	e.logger.Info(ctx, "Authorization denied",
		logger.String("subject_id", subjectID),
		logger.String("resource", resource),
		logger.String("action", action),
		logger.String("mode", mode))
	e.logAudit(ctx, models.NewAuditEvent(constants.AuditEventAuthorizationDenied, subjectID).
		WithResource(resource, action).
		WithResult(constants.AuditResultDenied).
		WithMeta("mode", mode))
}

func (e *AuthorizationEngine) logAudit(ctx context.Context, event *models.AuditEvent) {
	if e.audit == nil {
		return
	}
	if event.TenantID == "" {
		event.TenantID = tenantID(ctx)
	}
	if _, err := e.audit.LogEvent(ctx, event); err != nil {
		e.logger.Error(ctx, "Failed to write audit event", err, logger.String("event_type", string(event.EventType)))
	}
}

func evaluateCondition(c models.Condition, evalCtx map[string]interface{}) bool {
	actual, ok := evalCtx[c.Type]
	if !ok {
		return false
	}
	switch c.Operator {
	case models.OperatorEquals:
		return valuesEqual(actual, c.Value)
	case models.OperatorIn:
		expected := toSlice(c.Value)
		if expected == nil {
			return false
		}
		if list := toSlice(actual); list != nil {
			for _, a := range list {
				if containsValue(expected, a) {
					return true
				}
			}
			return false
		}
		return containsValue(expected, actual)
	case models.OperatorContains:
		if list := toSlice(actual); list != nil {
			return containsValue(list, c.Value)
		}
		s, ok := actual.(string)
		sub, ok2 := c.Value.(string)
		return ok && ok2 && strings.Contains(s, sub)
	case models.OperatorGreaterThan:
		a, ok1 := toFloat(actual)
		b, ok2 := toFloat(c.Value)
		return ok1 && ok2 && a > b
	case models.OperatorLessThan:
		a, ok1 := toFloat(actual)
		b, ok2 := toFloat(c.Value)
		return ok1 && ok2 && a < b
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func containsValue(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

// toSlice returns v as a generic slice, or nil when v is not a slice.
func toSlice(v interface{}) []interface{} {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func cloneRole(r models.Role) models.Role {
	return models.Role{ID: r.ID, Permissions: append([]models.Permission(nil), r.Permissions...)}
}

// actorFrom returns the authenticated caller recorded on ctx, or "system".
func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(constants.ContextKeySubjectID).(string); ok && v != "" {
		return v
	}
	return "system"
}
