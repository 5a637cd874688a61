package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/scrypt"

	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
)

// EncryptedPrefix marks an encrypted environment value.
const EncryptedPrefix = "ENC:"

// EnvManager manages environment variable configuration
type EnvManager struct {
	encryptionKey []byte
	prefix        string
}

// NewEnvManager creates a new environment variable manager. An empty
// passphrase falls back to QLAB_ENCRYPTION_KEY.
func NewEnvManager(passphrase string, prefix string) *EnvManager {
	if prefix == "" {
		prefix = EnvPrefix
	}
	if passphrase == "" {
		passphrase = os.Getenv(prefix + "ENCRYPTION_KEY")
	}

	// 从口令派生 AES-256 密钥
	key, _ := scrypt.Key([]byte(passphrase), []byte("qlab-salt"), 32768, 8, 1, 32)

	return &EnvManager{
		encryptionKey: key,
		prefix:        prefix,
	}
}

// LoadFiles loads .env style files into the process environment without
// overriding variables that are already set.
func (em *EnvManager) LoadFiles(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeInvalidParameter, "failed to load env file", err)
	}
	return nil
}

// GetString gets a string environment variable
func (em *EnvManager) GetString(key string, defaultValue string) string {
	value := os.Getenv(em.envKey(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable
func (em *EnvManager) GetInt(key string, defaultValue int) int {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

// GetFloat gets a float environment variable
func (em *EnvManager) GetFloat(key string, defaultValue float64) float64 {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}
	return defaultValue
}

// GetDuration gets a duration environment variable
func (em *EnvManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}

// GetEncryptedString returns the value, decrypting it when it carries the
// ENC: prefix. A value that fails to decrypt yields defaultValue.
func (em *EnvManager) GetEncryptedString(key string, defaultValue string) string {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return value
	}

	decrypted, err := em.Decrypt(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		logger.Default().Warn("Failed to decrypt environment value", "key", em.envKey(key), "error", err)
		return defaultValue
	}
	return decrypted
}

// SetEncryptedString sets an encrypted string environment variable
func (em *EnvManager) SetEncryptedString(key string, value string) error {
	if value == "" {
		return em.SetString(key, "")
	}
	encrypted, err := em.Encrypt(value)
	if err != nil {
		return err
	}
	return em.SetString(key, EncryptedPrefix+encrypted)
}

// SetString sets a string environment variable
func (em *EnvManager) SetString(key string, value string) error {
	return os.Setenv(em.envKey(key), value)
}

// Encrypt seals plaintext with AES-GCM; the nonce is prepended.
func (em *EnvManager) Encrypt(plaintext string) (string, error) {
	gcm, err := em.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to generate nonce", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (em *EnvManager) Decrypt(encoded string) (string, error) {
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperrors.NewAppError(apperrors.ErrCodeInvalidParameter, "malformed encrypted value", err)
	}
	gcm, err := em.aead()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperrors.NewAppError(apperrors.ErrCodeInvalidParameter, "decryption failed", err)
	}
	return string(plain), nil
}

func (em *EnvManager) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInternal, "invalid encryption key", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to create gcm", err)
	}
	return gcm, nil
}

// ValidateRequired checks if all required environment variables are set
func (em *EnvManager) ValidateRequired(required []string) error {
	var missing []string
	for _, key := range required {
		if os.Getenv(em.envKey(key)) == "" {
			missing = append(missing, em.envKey(key))
		}
	}
	if len(missing) > 0 {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter,
			"missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (em *EnvManager) envKey(key string) string {
	return fmt.Sprintf("%s%s", em.prefix, strings.ToUpper(key))
}
