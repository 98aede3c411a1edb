package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
)

func TestAccessStore_RolesAndAssignments(t *testing.T) {
	store := NewAccessStore(setupSQLite(t))
	ctx := context.Background()

	_, err := store.GetRole(ctx, "ops")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	require.NoError(t, store.PutRole(ctx, &models.Role{ID: "ops", Permissions: []models.Permission{{Resource: "guard", Action: "read"}}}))
	require.NoError(t, store.PutRole(ctx, &models.Role{ID: "ops", Permissions: []models.Permission{{Resource: "tenants/*", Action: "decrypt"}}}))
	role, err := store.GetRole(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, []models.Permission{{Resource: "tenants/*", Action: "decrypt"}}, role.Permissions)
	assert.True(t, role.Elevated())

	require.NoError(t, store.Assign(ctx, "zoe", "ops"))
	require.NoError(t, store.Assign(ctx, "zoe", "ops"), "assigning twice is a no-op")
	require.NoError(t, store.Assign(ctx, "zoe", "auditor"))
	require.NoError(t, store.Assign(ctx, "amy", "ops"))

	roles, err := store.RolesOf(ctx, "zoe")
	require.NoError(t, err)
	assert.Equal(t, []string{"auditor", "ops"}, roles)
	holders, err := store.SubjectsWithRole(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"amy", "zoe"}, holders)

	require.NoError(t, store.Unassign(ctx, "zoe", "ops"))
	roles, err = store.RolesOf(ctx, "zoe")
	require.NoError(t, err)
	assert.Equal(t, []string{"auditor"}, roles)
	roles, err = store.RolesOf(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestAccessStore_Grants(t *testing.T) {
	store := NewAccessStore(setupSQLite(t))
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutGrant(ctx, &models.ResourceGrant{SubjectID: "gina", ResourceID: "report-1", Permissions: []string{"read"}, GrantedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, store.PutGrant(ctx, &models.ResourceGrant{SubjectID: "gina", ResourceID: "report-1", Permissions: []string{"read", "comment"}, GrantedAt: now, ExpiresAt: now.Add(2 * time.Hour)}))
	require.NoError(t, store.PutGrant(ctx, &models.ResourceGrant{SubjectID: "gina", ResourceID: "report-2", Permissions: []string{"*"}, GrantedAt: now, ExpiresAt: now.Add(time.Minute)}))

	g, err := store.GetGrant(ctx, "gina", "report-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "comment"}, g.Permissions, "a second grant replaces the first")
	assert.True(t, g.ExpiresAt.Equal(now.Add(2*time.Hour)))

	n, err := store.DeleteExpiredGrants(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expiry is inclusive of now")
	_, err = store.GetGrant(ctx, "gina", "report-2")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	require.NoError(t, store.DeleteGrant(ctx, "gina", "report-1"))
	assert.True(t, errors.HasCode(store.DeleteGrant(ctx, "gina", "report-1"), errors.CodeNotFound))
}

func TestAccessStore_Policies(t *testing.T) {
	store := NewAccessStore(setupSQLite(t))
	ctx := context.Background()

	require.NoError(t, store.PutPolicy(ctx, &models.Policy{ResourceID: "payroll", Conditions: []models.Condition{
		{Type: "department", Operator: models.OperatorEquals, Value: "finance"},
		{Type: "hour", Operator: models.OperatorLessThan, Value: 19},
		{Type: "roles", Operator: models.OperatorIn, Value: []string{"auditor"}},
	}}))
	p, err := store.GetPolicy(ctx, "payroll")
	require.NoError(t, err)
	require.Len(t, p.Conditions, 3)
	assert.Equal(t, "finance", p.Conditions[0].Value)
	assert.Equal(t, float64(19), p.Conditions[1].Value)
	assert.Equal(t, []interface{}{"auditor"}, p.Conditions[2].Value)

	require.NoError(t, store.DeletePolicy(ctx, "payroll"))
	_, err = store.GetPolicy(ctx, "payroll")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestAllowlistStore_ReplaceAndClear(t *testing.T) {
	store := NewAllowlistStore(setupSQLite(t))
	ctx := context.Background()

	entries, err := store.GetAllowlist(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, entries)

	require.NoError(t, store.PutAllowlist(ctx, "acme", []string{"10.0.0.0/8"}))
	require.NoError(t, store.PutAllowlist(ctx, "acme", []string{"192.0.2.7", "198.51.100.10-198.51.100.20"}))
	entries, err = store.GetAllowlist(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.7", "198.51.100.10-198.51.100.20"}, entries)

	require.NoError(t, store.PutAllowlist(ctx, "acme", nil))
	entries, err = store.GetAllowlist(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestCredentialStore_RoundTrip(t *testing.T) {
	store := NewCredentialStore(setupSQLite(t))
	ctx := context.Background()

	_, err := store.GetCredential(ctx, "alice")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
	_, err = store.GetMFASecret(ctx, "alice")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	require.NoError(t, store.PutCredential(ctx, &models.Credential{SubjectID: "alice", Hash: []byte("hash-1"), Salt: []byte("salt-1")}))
	require.NoError(t, store.PutCredential(ctx, &models.Credential{SubjectID: "alice", Hash: []byte("hash-2"), Salt: []byte("salt-2")}))
	cred, err := store.GetCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("hash-2"), cred.Hash)
	assert.Equal(t, []byte("salt-2"), cred.Salt)

	sealed := &models.SealedPayload{Ciphertext: []byte{1, 2, 3}, Nonce: []byte{4, 5}, AuthTag: []byte{6}, Algorithm: constants.AlgorithmAES256GCM, Context: "mfa:alice"}
	require.NoError(t, store.PutMFASecret(ctx, &models.MFASecret{SubjectID: "alice", Method: constants.MFAMethodTOTP, SealedSecret: sealed}))
	secret, err := store.GetMFASecret(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, constants.MFAMethodTOTP, secret.Method)
	assert.Equal(t, sealed, secret.SealedSecret)
}
