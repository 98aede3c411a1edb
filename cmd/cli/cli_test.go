package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/sentinel/internal/application/dto"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/pkg/errors"
)

func runCLI(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", server, "--token", "tok", "--timeout", "5s"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/auth/login", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(headerIdempotencyKey))
		var req dto.LoginRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "hunter2hunter2" {
			writeJSON(w, http.StatusUnauthorized, errors.ErrorResponse{Error: "authentication_failed", ErrorDescription: "authentication failed"})
			return
		}
		writeJSON(w, http.StatusOK, models.TokenPair{AccessToken: "access-123", RefreshToken: "r"})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "login", "--subject", "root", "--password", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, "access-123\n", out)

	_, err = runCLI(t, srv.URL, "login", "--subject", "root", "--password", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication_failed")
}

func TestKeysCoverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get(headerIdempotencyKey), "reads carry no idempotency key")
		writeJSON(w, http.StatusOK, dto.CoverageResponse{MasterKeyID: "mk-1", Coverage: 50})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "keys", "coverage")
	require.NoError(t, err)
	assert.Contains(t, out, "mk-1 covers 50.0%")
}

func TestLedgerVerify(t *testing.T) {
	valid := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if valid {
			writeJSON(w, http.StatusOK, models.ChainVerification{Valid: true, EntriesChecked: 12})
			return
		}
		writeJSON(w, http.StatusConflict, models.ChainVerification{EntriesChecked: 4, BrokenAtSeq: 3, BrokenAtID: "e3", Reason: "hash mismatch"})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "ledger", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "12 entries checked")

	valid = false
	_, err = runCLI(t, srv.URL, "ledger", "verify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain broken at sequence 3")
}

func TestBackupRestoreToPoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/restores", r.URL.Path)
		var req dto.RestorePointRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.At.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
		writeJSON(w, http.StatusOK, dto.RestoreResponse{Backup: &models.Backup{ID: "b1"}, Data: []byte("snapshot")})
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "restored")
	_, err := runCLI(t, srv.URL, "backup", "restore", "--at", "2026-01-02T03:04:05Z", "--out", dst)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "snapshot", string(got))

	_, err = runCLI(t, srv.URL, "backup", "restore")
	assert.Error(t, err)
}

func TestGuardList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []*models.BlockEntry{{IP: "192.0.2.7", Reason: "brute force", BlockedAt: time.Now()}})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "guard", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "192.0.2.7")
	assert.Contains(t, out, "brute force")
}

func TestClientRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Method == http.MethodGet && n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusServiceUnavailable, errors.ErrorResponse{Error: "key_unavailable", ErrorDescription: "key unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, []*models.Threat{})
	}))
	defer srv.Close()

	_, err := runCLI(t, srv.URL, "threats")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "reads retry on 503")

	calls.Store(0)
	_, err = runCLI(t, srv.URL, "keys", "rotate")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "writes are not retried on a server answer")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}
