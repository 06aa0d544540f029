// Package sessions persists browser cookie jars encrypted at rest so
// an agent survives restarts without logging in again. Jars are sealed
// with XChaCha20-Poly1305 under a key supplied through the environment;
// the profile name is bound in as associated data, so a jar copied to
// another profile's path fails authentication instead of leaking a
// session.
package sessions

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/faults"
)

const (
	jarVersion = 1
	jarSuffix  = ".session"

	defaultKeyEnv = "TALON_SESSION_KEY"
)

type sealedJar struct {
	Version    int    `json:"version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Jar reads and writes encrypted cookie jars under the configured
// directory, one file per profile. With no key in the environment the
// jar is disabled: restores quietly do nothing and saves fail.
type Jar struct {
	cfg  config.SessionsConfig
	log  *zap.Logger
	aead cipher.AEAD
}

// New resolves the encryption key from the environment. A missing key
// disables the jar; a malformed one is an error.
func New(cfg config.SessionsConfig, logger *zap.Logger) (*Jar, error) {
	keyEnv := cfg.KeyEnv
	if keyEnv == "" {
		keyEnv = defaultKeyEnv
	}
	j := &Jar{cfg: cfg, log: logger}
	raw := os.Getenv(keyEnv)
	if raw == "" {
		logger.Info("Session encryption key not set, session persistence disabled",
			zap.String("env", keyEnv))
		return j, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, faults.Newf(faults.KindValidation, "session.key",
			"%s must hold %d hex-encoded bytes", keyEnv, chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, "session.key", err)
	}
	j.aead = aead
	return j, nil
}

// Enabled reports whether a key was configured.
func (j *Jar) Enabled() bool { return j.aead != nil }

// Save exports the handle's cookie jar and seals it to disk. The write
// is atomic so a crash never leaves a half-written jar behind.
func (j *Jar) Save(ctx context.Context, profile string, h browser.Handle) error {
	if !j.Enabled() {
		return faults.New(faults.KindValidation, "session.save", "no session key configured")
	}
	if err := ValidProfile(profile); err != nil {
		return err
	}
	cookies, err := h.Cookies(ctx)
	if err != nil {
		return faults.Wrap(faults.KindTransient, "session.save", err)
	}
	plaintext, err := json.Marshal(cookies)
	if err != nil {
		return faults.Wrap(faults.KindFatal, "session.save", err)
	}

	nonce := make([]byte, j.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return faults.Wrap(faults.KindFatal, "session.save", err)
	}
	envelope, err := json.Marshal(sealedJar{
		Version:    jarVersion,
		Nonce:      nonce,
		Ciphertext: j.aead.Seal(nil, nonce, plaintext, []byte(profile)),
	})
	if err != nil {
		return faults.Wrap(faults.KindFatal, "session.save", err)
	}

	if err := os.MkdirAll(j.cfg.Dir, 0o700); err != nil {
		return faults.Wrap(faults.KindFatal, "session.save", err)
	}
	path := j.path(profile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, envelope, 0o600); err != nil {
		return faults.Wrap(faults.KindFatal, "session.save", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return faults.Wrap(faults.KindFatal, "session.save", err)
	}
	j.log.Debug("Session saved",
		zap.String("profile", profile),
		zap.Int("cookies", len(cookies)))
	return nil
}

// Restore loads the profile's jar into the handle. A missing or empty
// jar is not an error; the first return reports whether cookies were
// actually applied.
func (j *Jar) Restore(ctx context.Context, profile string, h browser.Handle) (bool, error) {
	if !j.Enabled() {
		return false, nil
	}
	if err := ValidProfile(profile); err != nil {
		return false, err
	}
	envelope, err := os.ReadFile(j.path(profile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, faults.Wrap(faults.KindFatal, "session.restore", err)
	}
	var sealed sealedJar
	if err := json.Unmarshal(envelope, &sealed); err != nil {
		return false, faults.Wrap(faults.KindValidation, "session.restore", err)
	}
	if sealed.Version != jarVersion || len(sealed.Nonce) != j.aead.NonceSize() {
		return false, faults.Newf(faults.KindValidation, "session.restore",
			"jar for %s has an unsupported layout", profile)
	}
	plaintext, err := j.aead.Open(nil, sealed.Nonce, sealed.Ciphertext, []byte(profile))
	if err != nil {
		return false, faults.Wrap(faults.KindValidation, "session.restore",
			fmt.Errorf("jar for %s failed authentication: %w", profile, err))
	}
	var cookies []browser.Cookie
	if err := json.Unmarshal(plaintext, &cookies); err != nil {
		return false, faults.Wrap(faults.KindValidation, "session.restore", err)
	}
	if len(cookies) == 0 {
		return false, nil
	}
	if err := h.SetCookies(ctx, cookies); err != nil {
		return false, faults.Wrap(faults.KindTransient, "session.restore", err)
	}
	return true, nil
}

// Delete removes the profile's jar. Deleting a jar that does not exist
// is fine.
func (j *Jar) Delete(profile string) error {
	if err := ValidProfile(profile); err != nil {
		return err
	}
	if err := os.Remove(j.path(profile)); err != nil && !os.IsNotExist(err) {
		return faults.Wrap(faults.KindFatal, "session.delete", err)
	}
	return nil
}

// Hook adapts Restore into the browser pool's handle-launch hook. A
// corrupt jar must not brick every launch, so failures degrade to a
// logged-out browser.
func (j *Jar) Hook(profile string) func(context.Context, browser.Handle) error {
	return func(ctx context.Context, h browser.Handle) error {
		restored, err := j.Restore(ctx, profile, h)
		if err != nil {
			j.log.Warn("Session restore failed",
				zap.String("profile", profile),
				zap.Error(err))
			return nil
		}
		if restored {
			j.log.Info("Session restored", zap.String("profile", profile))
		}
		return nil
	}
}

func (j *Jar) path(profile string) string {
	return filepath.Join(j.cfg.Dir, profile+jarSuffix)
}

// ValidProfile keeps profile names filesystem-safe. The agent supervisor
// applies the same rule to agent identities.
func ValidProfile(profile string) error {
	if profile == "" || len(profile) > 64 {
		return faults.Newf(faults.KindValidation, "session", "invalid profile %q", profile)
	}
	for _, r := range profile {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return faults.Newf(faults.KindValidation, "session", "invalid profile %q", profile)
		}
	}
	return nil
}
