package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const hostKeyComment = "relaychat host key"

// LoadOrGenerateSigner returns the host signer stored at path. When the file
// does not exist a new Ed25519 key is written there in OpenSSH format. An
// empty path yields an ephemeral key that is never persisted.
func LoadOrGenerateSigner(path string, logger zerolog.Logger) (ssh.Signer, error) {
	log := logger.With().Str("component", "hostkey").Logger()

	if path == "" {
		signer, err := EphemeralSigner()
		if err != nil {
			return nil, err
		}
		log.Warn().Str("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())).Msg("using ephemeral host key")
		return signer, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("sshserver: resolve host key path: %w", err)
	}
	log = log.With().Str("path", absPath).Logger()

	signer, err := readSigner(absPath)
	switch {
	case err == nil:
		log.Debug().Str("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())).Msg("loaded host key")
		return signer, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	signer, err = writeSigner(absPath)
	if err != nil {
		return nil, err
	}
	log.Info().Str("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())).Msg("generated new host key")
	return signer, nil
}

// EphemeralSigner creates an in-memory Ed25519 host key.
func EphemeralSigner() (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshserver: generate host key: %w", err)
	}
	return ssh.NewSignerFromKey(key)
}

// readSigner accepts any key format ssh.ParsePrivateKey understands, so RSA
// keys in PKCS#1 PEM keep working.
func readSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("sshserver: parse host key %q: %w", path, err)
	}
	return signer, nil
}

func writeSigner(path string) (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshserver: generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(key, hostKeyComment)
	if err != nil {
		return nil, fmt.Errorf("sshserver: encode host key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sshserver: create host key dir %q: %w", dir, err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("sshserver: write host key %q: %w", path, err)
	}

	return ssh.NewSignerFromKey(key)
}
