package kms

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/turtacn/sentinel/internal/config"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// VaultMasterKeyStore keeps master keys in a Vault KV v2 mount.
//
// Layout under the mount path:
//
//	master-keys/<id>   key material (base64) and timestamps
//	current            id of the current key
//	rotation-marker    durable rotation state
type VaultMasterKeyStore struct {
	client  *vault.Client
	mount   string
	logger  logger.Logger
	metrics service.Metrics
}

// NewVaultClient creates a Vault API client from config.
func NewVaultClient(cfg config.VaultConfig) (*vault.Client, error) {
	vc := vault.DefaultConfig()
	vc.Address = cfg.Address
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	return client, nil
}

// NewVaultMasterKeyStore creates a store rooted at cfg.MountPath.
func NewVaultMasterKeyStore(cfg config.VaultConfig, client *vault.Client, log logger.Logger, metrics service.Metrics) *VaultMasterKeyStore {
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	return &VaultMasterKeyStore{
		client:  client,
		mount:   strings.TrimSuffix(cfg.MountPath, "/"),
		logger:  log.WithComponent("VaultMasterKeyStore"),
		metrics: metrics,
	}
}

var _ repository.MasterKeyStore = (*VaultMasterKeyStore)(nil)

func (s *VaultMasterKeyStore) Current(ctx context.Context) (*models.MasterKey, error) {
	data, err := s.read(ctx, "current")
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.ErrNotFound("master key", "current")
	}
	id, _ := data["id"].(string)
	if id == "" {
		return nil, errors.ErrKeyUnavailable("current master key pointer is malformed")
	}
	return s.Get(ctx, id)
}

func (s *VaultMasterKeyStore) Get(ctx context.Context, id string) (*models.MasterKey, error) {
	data, err := s.read(ctx, "master-keys/"+id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.ErrNotFound("master key", id)
	}
	encoded, _ := data["material"].(string)
	material, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(material) != constants.MasterKeySize {
		return nil, errors.ErrKeyUnavailable(fmt.Sprintf("master key %s has malformed material", id))
	}
	return &models.MasterKey{
		ID:        id,
		Material:  material,
		CreatedAt: parseTime(data["created_at"]),
		ExpiresAt: parseTime(data["expires_at"]),
	}, nil
}

func (s *VaultMasterKeyStore) Put(ctx context.Context, key *models.MasterKey) error {
	return s.write(ctx, "master-keys/"+key.ID, map[string]interface{}{
		"material":   base64.StdEncoding.EncodeToString(key.Material),
		"created_at": key.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at": key.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *VaultMasterKeyStore) SetCurrent(ctx context.Context, id string) error {
	return s.write(ctx, "current", map[string]interface{}{"id": id})
}

func (s *VaultMasterKeyStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.client.Logical().DeleteWithContext(ctx, s.metadataPath("master-keys/"+id))
	s.metrics.RecordVaultAPI("delete", time.Since(start), err)
	if err != nil {
		s.logger.Error(ctx, "failed to destroy master key in vault", err, logger.String("key_id", id))
		return errors.ErrKeyUnavailable("vault delete failed").WithCause(err)
	}
	return nil
}

func (s *VaultMasterKeyStore) LoadMarker(ctx context.Context) (*models.RotationMarker, error) {
	data, err := s.read(ctx, "rotation-marker")
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &models.RotationMarker{State: constants.RotationStable}, nil
	}
	state, _ := data["state"].(string)
	oldID, _ := data["old_key_id"].(string)
	newID, _ := data["new_key_id"].(string)
	return &models.RotationMarker{
		State:     constants.RotationState(state),
		OldKeyID:  oldID,
		NewKeyID:  newID,
		StartedAt: parseTime(data["started_at"]),
		UpdatedAt: parseTime(data["updated_at"]),
	}, nil
}

func (s *VaultMasterKeyStore) SaveMarker(ctx context.Context, marker *models.RotationMarker) error {
	return s.write(ctx, "rotation-marker", map[string]interface{}{
		"state":      string(marker.State),
		"old_key_id": marker.OldKeyID,
		"new_key_id": marker.NewKeyID,
		"started_at": marker.StartedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": marker.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *VaultMasterKeyStore) read(ctx context.Context, sub string) (map[string]interface{}, error) {
	start := time.Now()
	secret, err := s.client.Logical().ReadWithContext(ctx, s.mount+"/"+sub)
	s.metrics.RecordVaultAPI("read", time.Since(start), err)
	if err != nil {
		s.logger.Error(ctx, "vault read failed", err, logger.String("path", sub))
		return nil, errors.ErrKeyUnavailable("vault read failed").WithCause(err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

func (s *VaultMasterKeyStore) write(ctx context.Context, sub string, data map[string]interface{}) error {
	start := time.Now()
	_, err := s.client.Logical().WriteWithContext(ctx, s.mount+"/"+sub, map[string]interface{}{"data": data})
	s.metrics.RecordVaultAPI("write", time.Since(start), err)
	if err != nil {
		s.logger.Error(ctx, "vault write failed", err, logger.String("path", sub))
		return errors.ErrKeyUnavailable("vault write failed").WithCause(err)
	}
	return nil
}

// metadataPath maps a KV v2 data path to its metadata path so deletes destroy every version.
func (s *VaultMasterKeyStore) metadataPath(sub string) string {
	return strings.Replace(s.mount, "/data/", "/metadata/", 1) + "/" + sub
}

func parseTime(v interface{}) time.Time {
	str, _ := v.(string)
	t, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return time.Time{}
	}
	return t
}
