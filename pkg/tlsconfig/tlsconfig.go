// Package tlsconfig builds the TLS parameters of a request: trust roots,
// client certificates, cipher lists, and peer verification including
// certificate fingerprint pinning.
package tlsconfig

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/WhileEndless/go-rawfetch/pkg/errors"
)

// SSL/TLS Protocol Versions
const (
	// TLS 1.0 (DEPRECATED - insecure, use only for legacy compatibility)
	VersionTLS10 uint16 = tls.VersionTLS10 // 0x0301

	// TLS 1.1 (DEPRECATED - weak, use only for legacy compatibility)
	VersionTLS11 uint16 = tls.VersionTLS11 // 0x0302

	// TLS 1.2 is the minimum negotiated by Build
	VersionTLS12 uint16 = tls.VersionTLS12 // 0x0303

	// TLS 1.3 (PREFERRED - most secure, modern standard)
	VersionTLS13 uint16 = tls.VersionTLS13 // 0x0304
)

// GetVersionName returns human-readable name for SSL/TLS version
func GetVersionName(version uint16) string {
	switch version {
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// Params carries the TLS settings of one request. PeerName is not part of
// the built config: the transport sets ServerName per hop, since a
// redirect may change the peer.
type Params struct {
	VerifyPeer bool
	VerifyHost bool

	CAFile string
	CAPath string

	LocalCert  string
	LocalPK    string
	Passphrase string

	// Ciphers is a colon or comma separated list of suite names.
	Ciphers string

	// PeerFingerprint is the hex sha256 digest of the peer's DER
	// certificate. When set it replaces chain validation.
	PeerFingerprint string
}

// Build assembles a client tls.Config from p. Verification always runs in
// VerifyConnection so that peer and host checks stay independent.
func Build(p Params) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: VersionTLS12,
		NextProtos: []string{"http/1.1"},
		// verification happens in VerifyConnection
		InsecureSkipVerify: true,
	}

	roots, err := loadRoots(p.CAFile, p.CAPath)
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = roots

	if p.LocalCert != "" {
		cert, err := loadClientCertificate(p.LocalCert, p.LocalPK, p.Passphrase)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if p.Ciphers != "" {
		suites, err := ParseCipherList(p.Ciphers)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}

	var pin []byte
	if p.PeerFingerprint != "" {
		pin, err = decodeFingerprint(p.PeerFingerprint)
		if err != nil {
			return nil, err
		}
	}

	cfg.VerifyConnection = verifier(p.VerifyPeer, p.VerifyHost, pin, roots)
	return cfg, nil
}

func verifier(verifyPeer, verifyHost bool, pin []byte, roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			if pin != nil || verifyPeer || verifyHost {
				return fmt.Errorf("peer presented no certificate")
			}
			return nil
		}
		leaf := cs.PeerCertificates[0]

		if pin != nil {
			sum := sha256.Sum256(leaf.Raw)
			if !bytes.Equal(sum[:], pin) {
				return fmt.Errorf("peer fingerprint mismatch: got %s", hex.EncodeToString(sum[:]))
			}
		} else if verifyPeer {
			opts := x509.VerifyOptions{
				Roots:         roots,
				Intermediates: x509.NewCertPool(),
			}
			for _, c := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(c)
			}
			if _, err := leaf.Verify(opts); err != nil {
				return err
			}
		}

		if verifyHost && cs.ServerName != "" {
			return leaf.VerifyHostname(cs.ServerName)
		}
		return nil
	}
}

// Fingerprint returns the hex sha256 digest used for pinning cert.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func decodeFingerprint(s string) ([]byte, error) {
	clean := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	pin, err := hex.DecodeString(clean)
	if err != nil || len(pin) != sha256.Size {
		return nil, errors.NewConfigurationError("invalid sha256 peer fingerprint %q", s)
	}
	return pin, nil
}

// loadRoots returns nil (system roots) when neither a file nor a directory is given.
func loadRoots(caFile, caPath string) (*x509.CertPool, error) {
	if caFile == "" && caPath == "" {
		return nil, nil
	}

	pool := x509.NewCertPool()
	if caFile != "" {
		data, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.NewConfigurationError("cannot read CA file %s: %v", caFile, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.NewConfigurationError("no certificates found in CA file %s", caFile)
		}
	}

	if caPath != "" {
		entries, err := os.ReadDir(caPath)
		if err != nil {
			return nil, errors.NewConfigurationError("cannot read CA directory %s: %v", caPath, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(caPath, e.Name()))
			if err != nil {
				continue
			}
			pool.AppendCertsFromPEM(data)
		}
	}
	return pool, nil
}

func loadClientCertificate(certFile, keyFile, passphrase string) (tls.Certificate, error) {
	if keyFile == "" {
		keyFile = certFile
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, errors.NewConfigurationError("cannot read client certificate %s: %v", certFile, err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, errors.NewConfigurationError("cannot read client key %s: %v", keyFile, err)
	}

	if passphrase != "" {
		keyPEM, err = decryptKey(keyPEM, passphrase)
		if err != nil {
			return tls.Certificate{}, err
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, errors.NewConfigurationError("invalid client certificate: %v", err)
	}
	return cert, nil
}

// decryptKey handles legacy RFC 1423 encrypted PEM keys. Unencrypted
// blocks pass through untouched.
func decryptKey(keyPEM []byte, passphrase string) ([]byte, error) {
	var out []byte
	rest := keyPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		//nolint:staticcheck
		if x509.IsEncryptedPEMBlock(block) {
			der, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
			if err != nil {
				return nil, errors.NewConfigurationError("cannot decrypt client key: %v", err)
			}
			block = &pem.Block{Type: block.Type, Bytes: der}
		}
		out = append(out, pem.EncodeToMemory(block)...)
	}
	if out == nil {
		return nil, errors.NewConfigurationError("no PEM data found in client key")
	}
	return out, nil
}

// openSSLNames maps the OpenSSL spelling of the common suites to Go's ids.
var openSSLNames = map[string]uint16{
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-RSA-AES128-SHA256":       tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
	"ECDHE-RSA-AES128-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-ECDSA-AES128-SHA256":     tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
	"ECDHE-ECDSA-AES128-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-AES256-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"ECDHE-ECDSA-AES256-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"AES128-GCM-SHA256":             tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":             tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"AES128-SHA256":                 tls.TLS_RSA_WITH_AES_128_CBC_SHA256,
	"AES128-SHA":                    tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"AES256-SHA":                    tls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

// ParseCipherList converts a cipher list into suite ids. Entries may use
// either the IANA names Go reports or the OpenSSL spelling. TLS 1.3 suites
// are accepted and ignored since Go does not make them configurable.
func ParseCipherList(list string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		byName[s.Name] = s.ID
	}

	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ':' || r == ',' || r == ' '
	})

	var suites []uint16
	for _, name := range fields {
		id, ok := byName[name]
		if !ok {
			id, ok = openSSLNames[strings.ToUpper(name)]
		}
		if !ok {
			return nil, errors.NewConfigurationError("unknown cipher %q", name)
		}
		if isTLS13Suite(id) {
			continue
		}
		suites = append(suites, id)
	}
	return suites, nil
}

func isTLS13Suite(id uint16) bool {
	switch id {
	case tls.TLS_AES_128_GCM_SHA256, tls.TLS_AES_256_GCM_SHA384, tls.TLS_CHACHA20_POLY1305_SHA256:
		return true
	}
	return false
}

// Describe renders the negotiated version and suite for debug traces.
func Describe(cs tls.ConnectionState) string {
	return fmt.Sprintf("SSL connection using %s / %s", GetVersionName(cs.Version), tls.CipherSuiteName(cs.CipherSuite))
}
