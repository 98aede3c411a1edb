// Package crypto implements the envelope encryption engine and the session token codec.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// hkdfSalt is fixed so the same (root, context) always derives the same key.
var hkdfSalt = []byte("sentinel/envelope/v1")

// EnvelopeEngine performs authenticated encryption under a 256-bit root secret.
// At-rest operations derive one key per context; stream operations use the root directly.
//
// An engine holds no mutable state besides the derived-key cache and is safe for
// concurrent use.
type EnvelopeEngine struct {
	root    []byte
	derived *cache.Cache
	metrics service.Metrics
}

// EngineOption configures an EnvelopeEngine.
type EngineOption func(*EnvelopeEngine)

// WithEngineMetrics reports encrypt/decrypt outcomes to m.
func WithEngineMetrics(m service.Metrics) EngineOption {
	return func(e *EnvelopeEngine) { e.metrics = m }
}

// NewEnvelopeEngine creates an engine rooted at a copy of root, which must be 32 bytes.
func NewEnvelopeEngine(root []byte, opts ...EngineOption) (*EnvelopeEngine, error) {
	if len(root) != constants.DEKSize {
		return nil, errors.ErrInvalidRequest(fmt.Sprintf("root secret must be %d bytes, got %d", constants.DEKSize, len(root)))
	}
	e := &EnvelopeEngine{
		root:    append([]byte(nil), root...),
		derived: cache.New(constants.DerivedKeyCacheTTL, 2*constants.DerivedKeyCacheTTL),
		metrics: service.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EncryptAtRest seals plaintext with AES-256-GCM under the key derived for encContext.
// The context is also bound as additional data.
func (e *EnvelopeEngine) EncryptAtRest(plaintext []byte, encContext string) (*models.SealedPayload, error) {
	start := time.Now()
	key, err := e.deriveKey(encContext)
	if err != nil {
		e.metrics.RecordEncryption("encrypt_at_rest", constants.AlgorithmAES256GCM, false, time.Since(start))
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(gcmNonceSize)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte(encContext))
	e.metrics.RecordEncryption("encrypt_at_rest", constants.AlgorithmAES256GCM, true, time.Since(start))
	return split(sealed, nonce, constants.AlgorithmAES256GCM, encContext), nil
}

// DecryptAtRest opens a payload produced by EncryptAtRest. Any mismatch of context,
// ciphertext, nonce or tag yields an IntegrityViolation and no plaintext.
func (e *EnvelopeEngine) DecryptAtRest(sealed *models.SealedPayload, encContext string) ([]byte, error) {
	start := time.Now()
	plaintext, err := e.decryptAtRest(sealed, encContext)
	e.metrics.RecordEncryption("decrypt_at_rest", constants.AlgorithmAES256GCM, err == nil, time.Since(start))
	return plaintext, err
}

func (e *EnvelopeEngine) decryptAtRest(sealed *models.SealedPayload, encContext string) ([]byte, error) {
	if err := checkShape(sealed, constants.AlgorithmAES256GCM); err != nil {
		return nil, err
	}
	if sealed.Context != "" && subtle.ConstantTimeCompare([]byte(sealed.Context), []byte(encContext)) != 1 {
		return nil, errors.ErrIntegrityViolation("encryption context mismatch")
	}
	key, err := e.deriveKey(encContext)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, join(sealed), []byte(encContext))
	if err != nil {
		return nil, errors.ErrIntegrityViolation("authenticated decryption failed")
	}
	return plaintext, nil
}

// EncryptStream seals plaintext with ChaCha20-Poly1305 under the root secret.
func (e *EnvelopeEngine) EncryptStream(plaintext []byte) (*models.SealedPayload, error) {
	start := time.Now()
	aead, err := chacha20poly1305.New(e.root)
	if err != nil {
		return nil, errors.ErrInternal("failed to init stream cipher").WithCause(err)
	}
	nonce, err := randomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	e.metrics.RecordEncryption("encrypt_stream", constants.AlgorithmChaCha20Poly1305, true, time.Since(start))
	return split(sealed, nonce, constants.AlgorithmChaCha20Poly1305, ""), nil
}

// DecryptStream opens a payload produced by EncryptStream.
func (e *EnvelopeEngine) DecryptStream(sealed *models.SealedPayload) ([]byte, error) {
	start := time.Now()
	if err := checkShape(sealed, constants.AlgorithmChaCha20Poly1305); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(e.root)
	if err != nil {
		return nil, errors.ErrInternal("failed to init stream cipher").WithCause(err)
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, join(sealed), nil)
	e.metrics.RecordEncryption("decrypt_stream", constants.AlgorithmChaCha20Poly1305, err == nil, time.Since(start))
	if err != nil {
		return nil, errors.ErrIntegrityViolation("authenticated decryption failed")
	}
	return plaintext, nil
}

// InvalidateDerivedKeys drops every memoized context key.
func (e *EnvelopeEngine) InvalidateDerivedKeys() {
	e.derived.Flush()
}

// Destroy zeroes the root secret and the cache. The engine is unusable afterwards.
func (e *EnvelopeEngine) Destroy() {
	for i := range e.root {
		e.root[i] = 0
	}
	e.derived.Flush()
}

func (e *EnvelopeEngine) deriveKey(encContext string) ([]byte, error) {
	if v, ok := e.derived.Get(encContext); ok {
		e.metrics.RecordCacheAccess("derived_key", true)
		return v.([]byte), nil
	}
	e.metrics.RecordCacheAccess("derived_key", false)

	key := make([]byte, constants.DEKSize)
	r := hkdf.New(sha256.New, e.root, hkdfSalt, []byte(encContext))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.ErrInternal("key derivation failed").WithCause(err)
	}
	e.derived.SetDefault(encContext, key)
	return key, nil
}

// WrapKey encrypts key material under kek with AES-256-GCM, binding aad.
func WrapKey(kek, key, aad []byte) (wrapped, nonce []byte, err error) {
	aead, err := newGCM(kek)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = randomBytes(gcmNonceSize)
	if err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, key, aad), nonce, nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(kek, wrapped, nonce, aad []byte) ([]byte, error) {
	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.ErrIntegrityViolation("wrapped key has malformed nonce")
	}
	key, err := aead.Open(nil, nonce, wrapped, aad)
	if err != nil {
		return nil, errors.ErrIntegrityViolation("failed to unwrap key")
	}
	return key, nil
}

// GenerateKey returns 32 random bytes.
func GenerateKey() ([]byte, error) {
	return randomBytes(constants.DEKSize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.ErrInternal("failed to init block cipher").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.ErrInternal("failed to init GCM").WithCause(err)
	}
	return aead, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errors.ErrInternal("failed to read random bytes").WithCause(err)
	}
	return b, nil
}

func split(sealed, nonce []byte, algorithm, encContext string) *models.SealedPayload {
	cut := len(sealed) - gcmTagSize
	return &models.SealedPayload{
		Ciphertext: sealed[:cut:cut],
		Nonce:      nonce,
		AuthTag:    sealed[cut:],
		Algorithm:  algorithm,
		Context:    encContext,
	}
}

func join(p *models.SealedPayload) []byte {
	out := make([]byte, 0, len(p.Ciphertext)+len(p.AuthTag))
	out = append(out, p.Ciphertext...)
	return append(out, p.AuthTag...)
}

func checkShape(p *models.SealedPayload, algorithm string) error {
	if p == nil {
		return errors.ErrInvalidRequest("sealed payload is required")
	}
	if p.Algorithm != algorithm {
		return errors.ErrIntegrityViolation(fmt.Sprintf("unexpected algorithm %q", p.Algorithm))
	}
	if len(p.Nonce) != gcmNonceSize || len(p.AuthTag) != gcmTagSize {
		return errors.ErrIntegrityViolation("malformed nonce or auth tag")
	}
	return nil
}
