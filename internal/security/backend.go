package security

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

// opensslTimeout bounds the external tool invocation so a wedged openssl
// cannot hang startup.
const opensslTimeout = 10 * time.Second

// Backend is the certificate generation strategy. Selected once at
// startup, not branched per call.
type Backend interface {
	Name() string
	Generate(dir string, bits int) error
}

// SelectBackend picks the generation backend by name: "native",
// "openssl", or "" / "auto" for native with an openssl probe only as a
// sanity check. Unknown names fall back to native.
func SelectBackend(name string) Backend {
	switch name {
	case "openssl":
		if _, err := exec.LookPath("openssl"); err == nil {
			return opensslBackend{}
		}
		// Requested tool is absent; native still produces an
		// equivalent certificate.
		return nativeBackend{}
	default:
		return nativeBackend{}
	}
}

// fallbackFor returns the alternate backend to try when generation
// fails, probing for the openssl binary before offering it. TLS never
// starts silently without a certificate: when no fallback exists the
// original error propagates.
func fallbackFor(primary Backend) (Backend, bool) {
	if primary.Name() == "openssl" {
		return nativeBackend{}, true
	}
	if _, err := exec.LookPath("openssl"); err == nil {
		return opensslBackend{}, true
	}
	return nil, false
}

// nativeBackend generates certificates with crypto/x509.
type nativeBackend struct{}

func (nativeBackend) Name() string { return "native" }

func (nativeBackend) Generate(dir string, bits int) error {
	return generateSelfSigned(dir, bits)
}

// opensslBackend shells out to the openssl CLI with parameters matching
// the native backend: self-signed RSA, same CN, same validity.
type opensslBackend struct{}

func (opensslBackend) Name() string { return "openssl" }

func (opensslBackend) Generate(dir string, bits int) error {
	ctx, cancel := context.WithTimeout(context.Background(), opensslTimeout)
	defer cancel()

	certPath := filepath.Join(dir, certFileName)
	keyPath := filepath.Join(dir, keyFileName)

	cmd := exec.CommandContext(ctx, "openssl", "req", "-x509",
		"-newkey", fmt.Sprintf("rsa:%d", bits),
		"-keyout", keyPath,
		"-out", certPath,
		"-days", "3650",
		"-nodes",
		"-subj", "/CN="+certCommonName,
		"-addext", "subjectAltName=DNS:localhost,DNS:*.local,IP:127.0.0.1,IP:0.0.0.0",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("openssl timed out after %s", opensslTimeout)
		}
		return fmt.Errorf("openssl: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
