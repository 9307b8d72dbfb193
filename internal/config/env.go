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

	"golang.org/x/crypto/scrypt"
)

// EnvManager reads environment variable configuration. Values prefixed with
// "ENC:" are decrypted with a key derived from DTN_ENCRYPTION_KEY.
type EnvManager struct {
	encryptionKey []byte
	prefix        string
}

// NewEnvManager creates a new environment variable manager.
func NewEnvManager(encryptionKey string, prefix string) *EnvManager {
	if encryptionKey == "" {
		encryptionKey = os.Getenv("DTN_ENCRYPTION_KEY")
	}
	if prefix == "" {
		prefix = "DTN_"
	}

	key, _ := scrypt.Key([]byte(encryptionKey), []byte("dtningest-salt"), 32768, 8, 1, 32)

	return &EnvManager{
		encryptionKey: key,
		prefix:        prefix,
	}
}

// GetString gets a string environment variable.
func (em *EnvManager) GetString(key string, defaultValue string) string {
	envKey := em.prefix + strings.ToUpper(key)
	value := os.Getenv(envKey)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable.
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

// GetBool gets a boolean environment variable.
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

// GetDuration gets a duration environment variable.
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

// GetEncryptedString gets a string environment variable, decrypting it when
// it carries the ENC: prefix.
func (em *EnvManager) GetEncryptedString(key string, defaultValue string) string {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}

	if !strings.HasPrefix(value, "ENC:") {
		return value
	}

	decrypted, err := em.decrypt(strings.TrimPrefix(value, "ENC:"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to decrypt %s: %v\n", key, err)
		return defaultValue
	}
	return decrypted
}

// EncryptValue encrypts a value for use in an ENC:-prefixed variable.
func (em *EnvManager) EncryptValue(plaintext string) (string, error) {
	encrypted, err := em.encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return "ENC:" + encrypted, nil
}

func (em *EnvManager) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(plaintext))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], []byte(plaintext))

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

func (em *EnvManager) decrypt(encryptedText string) (string, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encryptedText)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < aes.BlockSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	iv := ciphertext[:aes.BlockSize]
	ciphertext = ciphertext[aes.BlockSize:]

	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(ciphertext, ciphertext)

	return string(ciphertext), nil
}
