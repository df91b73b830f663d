// Package security provisions the control plane's self-signed TLS
// identity: certificate and key generation, reuse of an existing pair,
// and the SHA-256 fingerprint used for out-of-band device pairing.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certFileName = "server.crt"
	keyFileName  = "server.key"

	// CommonName on the self-signed certificate; the subject equals the
	// issuer, trust is established via fingerprint pairing.
	certCommonName = "Quarterdeck"

	certValidity   = 10 * 365 * 24 * time.Hour
	DefaultKeyBits = 4096
)

// Bundle is the provisioned TLS identity: file paths plus the hex
// SHA-256 fingerprint of the certificate's DER encoding.
type Bundle struct {
	CertPath    string
	KeyPath     string
	Fingerprint string
}

// Provisioner generates or reuses a self-signed certificate in a
// directory. Runs once at startup, never on the request path.
type Provisioner struct {
	dir     string
	bits    int
	backend Backend
}

func NewProvisioner(dir string, backend Backend) *Provisioner {
	if backend == nil {
		backend = SelectBackend("")
	}
	return &Provisioner{dir: dir, bits: DefaultKeyBits, backend: backend}
}

// SetKeyBits overrides the RSA key size. Tests use a smaller key to keep
// generation fast; production stays at the 4096-bit default.
func (p *Provisioner) SetKeyBits(bits int) {
	if bits > 0 {
		p.bits = bits
	}
}

// Ensure returns the certificate bundle for the provisioner's directory,
// generating it on first use. Existing files are reused verbatim and
// never rewritten; only the fingerprint is recomputed.
func (p *Provisioner) Ensure() (Bundle, error) {
	certPath := filepath.Join(p.dir, certFileName)
	keyPath := filepath.Join(p.dir, keyFileName)

	if !fileExists(certPath) || !fileExists(keyPath) {
		if err := os.MkdirAll(p.dir, 0o700); err != nil {
			return Bundle{}, fmt.Errorf("create cert dir: %w", err)
		}
		if err := p.backend.Generate(p.dir, p.bits); err != nil {
			fb, ok := fallbackFor(p.backend)
			if !ok {
				return Bundle{}, fmt.Errorf("generate certificate (%s): %w", p.backend.Name(), err)
			}
			if fbErr := fb.Generate(p.dir, p.bits); fbErr != nil {
				return Bundle{}, fmt.Errorf("generate certificate (%s): %v; fallback (%s): %w",
					p.backend.Name(), err, fb.Name(), fbErr)
			}
		}
	}

	fp, err := Fingerprint(certPath)
	if err != nil {
		return Bundle{}, fmt.Errorf("fingerprint certificate: %w", err)
	}
	return Bundle{CertPath: certPath, KeyPath: keyPath, Fingerprint: fp}, nil
}

// ServerTLSConfig loads the bundle's keypair into a TLS config for the
// HTTPS listener.
func (b Bundle) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.CertPath, b.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Fingerprint computes the hex SHA-256 digest of the certificate's DER
// bytes. When the file holds no parseable CERTIFICATE block it falls
// back to hashing the raw PEM bytes, which is nonstandard but still
// deterministic for pairing.
func Fingerprint(certPath string) (string, error) {
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return "", err
	}
	rest := raw
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			sum := sha256.Sum256(block.Bytes)
			return hex.EncodeToString(sum[:]), nil
		}
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// generateSelfSigned is the native backend's implementation: an RSA
// self-signed certificate with the SANs LAN clients connect through.
func generateSelfSigned(dir string, bits int) error {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return err
	}

	dnsNames := []string{"localhost", "*.local"}
	ipAddrs := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv4zero}
	if lan := lanIPv4(); lan != nil {
		ipAddrs = append(ipAddrs, lan)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			CommonName: certCommonName,
		},
		DNSNames:              dnsNames,
		IPAddresses:           ipAddrs,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}

	if err := writePEM(filepath.Join(dir, certFileName), "CERTIFICATE", certDER); err != nil {
		return err
	}
	// Local-trust model: the key is written unencrypted, mode 0600.
	return writePEM(filepath.Join(dir, keyFileName), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
}

// lanIPv4 finds the host's first routable IPv4 address. Best effort; a
// machine with no LAN interface simply omits the SAN.
func lanIPv4() net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4
			}
		}
	}
	return nil
}

func writePEM(path, blockType string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}

func newSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, _ := rand.Int(rand.Reader, limit)
	return serial
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
