package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/seekarr/seekarr/internal/timeutil"
)

const (
	encryptedPrefix = "enc:v1:"
	masterKeyFile   = "seekarr.masterkey"
	masterKeyLength = 32 // AES-256
)

var errInvalidCiphertext = errors.New("invalid ciphertext")

// masterKey loads the file-backed encryption key next to the database,
// generating one on first use.
func (s *Store) masterKey() ([]byte, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	if s.aesKey != nil {
		return s.aesKey, nil
	}

	keyPath := filepath.Join(filepath.Dir(s.path), masterKeyFile)
	if raw, err := os.ReadFile(keyPath); err == nil {
		key, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if decErr == nil && len(key) == masterKeyLength {
			s.aesKey = key
			return s.aesKey, nil
		}
		return nil, fmt.Errorf("master key file %s is corrupt", keyPath)
	}

	key := make([]byte, masterKeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(key) + "\n"
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write master key: %w", err)
	}
	s.aesKey = key
	return s.aesKey, nil
}

func (s *Store) encryptSecret(plaintext string) (string, error) {
	key, err := s.masterKey()
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *Store) decryptSecret(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, encryptedPrefix) {
		return "", errInvalidCiphertext
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext[len(encryptedPrefix):])
	if err != nil {
		return "", errInvalidCiphertext
	}

	key, err := s.masterKey()
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plaintext), nil
}

// SetArrAPIKey stores an upstream API key encrypted at rest.
func (s *Store) SetArrAPIKey(ctx context.Context, appType string, instanceID int, apiKey string) error {
	enc, err := s.encryptSecret(apiKey)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO arr_credentials(app_type, instance_id, api_key_enc, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(app_type, instance_id) DO UPDATE SET
		     api_key_enc=excluded.api_key_enc,
		     updated_at=excluded.updated_at`,
		appType, instanceID, enc, timeutil.NowUTC(),
	)
	return err
}

// GetArrAPIKey returns the stored API key for an instance. A missing row or
// an undecryptable value reports ok=false rather than an error, so a rotated
// or lost master key degrades to "no stored key".
func (s *Store) GetArrAPIKey(ctx context.Context, appType string, instanceID int) (string, bool, error) {
	var enc string
	err := s.conn.QueryRowContext(ctx,
		`SELECT api_key_enc FROM arr_credentials WHERE app_type = ? AND instance_id = ?`,
		appType, instanceID,
	).Scan(&enc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	apiKey, err := s.decryptSecret(enc)
	if err != nil {
		return "", false, nil
	}
	return apiKey, true, nil
}

// HasArrAPIKey reports whether a decryptable key is stored for an instance.
func (s *Store) HasArrAPIKey(ctx context.Context, appType string, instanceID int) (bool, error) {
	_, ok, err := s.GetArrAPIKey(ctx, appType, instanceID)
	return ok, err
}

// ClearArrAPIKey removes the stored API key for an instance.
func (s *Store) ClearArrAPIKey(ctx context.Context, appType string, instanceID int) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM arr_credentials WHERE app_type = ? AND instance_id = ?`,
		appType, instanceID,
	)
	return err
}
