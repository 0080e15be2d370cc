package sshserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestLoadOrGenerateSignerPersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host_key")
	var logs bytes.Buffer
	logger := zerolog.New(&logs)

	first, err := LoadOrGenerateSigner(path, logger)
	require.NoError(t, err)
	require.Equal(t, ssh.KeyAlgoED25519, first.PublicKey().Type())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	fingerprint := ssh.FingerprintSHA256(first.PublicKey())
	require.Contains(t, logs.String(), `"message":"generated new host key"`)
	require.Contains(t, logs.String(), fingerprint)
	require.Contains(t, logs.String(), path)

	logs.Reset()
	second, err := LoadOrGenerateSigner(path, logger)
	require.NoError(t, err)
	require.Equal(t, fingerprint, ssh.FingerprintSHA256(second.PublicKey()))
	require.NotContains(t, logs.String(), "generated new host key")
}

func TestLoadOrGenerateSignerReadsRSAKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ssh_host_rsa")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	signer, err := LoadOrGenerateSigner(path, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, ssh.KeyAlgoRSA, signer.PublicKey().Type())
}

func TestLoadOrGenerateSignerEphemeral(t *testing.T) {
	var logs bytes.Buffer

	signer, err := LoadOrGenerateSigner("", zerolog.New(&logs))
	require.NoError(t, err)
	require.NotNil(t, signer)
	require.Contains(t, logs.String(), "using ephemeral host key")
}

func TestLoadOrGenerateSignerRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadOrGenerateSigner(path, zerolog.Nop())
	require.Error(t, err)
}

func TestServeRunsSessionHandler(t *testing.T) {
	signer, err := EphemeralSigner()
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := New(listener.Addr().String(), signer, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx, listener, func(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request) {
			defer channel.Close()
			for req := range requests {
				if req.Type == "shell" {
					_ = req.Reply(true, nil)
					break
				}
				_ = req.Reply(false, nil)
			}
			go ssh.DiscardRequests(requests)
			_, _ = io.WriteString(channel, "hello "+conn.User())
		})
	}()

	client, err := ssh.Dial("tcp", listener.Addr().String(), &ssh.ClientConfig{
		User:            "alice",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()

	out, err := sess.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, sess.Shell())

	data, err := io.ReadAll(out)
	require.NoError(t, err)
	require.Equal(t, "hello alice", string(data))

	cancel()
	select {
	case err := <-served:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeRequiresHandler(t *testing.T) {
	signer, err := EphemeralSigner()
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = New("", signer, zerolog.Nop()).Serve(context.Background(), listener, nil)
	require.Error(t, err)
}

func TestServeWaitsForSessionsOnShutdown(t *testing.T) {
	signer, err := EphemeralSigner()
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := New(listener.Addr().String(), signer, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var finished atomic.Bool
	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ctx, listener, func(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request) {
			go ssh.DiscardRequests(requests)
			close(started)
			// Blocks until the server closes the connection.
			_, _ = io.Copy(io.Discard, channel)
			finished.Store(true)
		})
	}()

	client, err := ssh.Dial("tcp", listener.Addr().String(), &ssh.ClientConfig{
		User:            "bob",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("session handler did not start")
	}
	require.Equal(t, 1, server.Sessions())

	cancel()
	select {
	case err := <-served:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	require.True(t, finished.Load())
	require.Equal(t, 0, server.Sessions())
}
