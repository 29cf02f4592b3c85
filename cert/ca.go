// Package cert implements the on-the-fly certificate authority that mints
// per-authority leaf certificates for TLS interception.
package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"

	"github.com/ruletap/ruletap/internal/metrics"
)

const (
	leafValidFrom = -1 * time.Hour
	leafValidFor  = 397 * 24 * time.Hour

	rootKeyFile  = "private.key"
	rootCertFile = "cert.crt"

	// DefaultCacheCapacity matches original_source/src/main.rs's CA cache size.
	DefaultCacheCapacity = 1000
)

// CA mints and caches leaf certificates for the authorities the proxy
// intercepts, and exposes the root certificate for client installation.
type CA interface {
	// GetRootPEM returns the root certificate as PEM bytes.
	GetRootPEM() []byte

	// GetRootCA returns the parsed root certificate.
	GetRootCA() *x509.Certificate

	// GetCert returns a leaf certificate for authority (host, or host:port;
	// only host enters the certificate), minting and caching it if needed.
	GetCert(authority string) (*tls.Certificate, error)
}

// SelfSignCA is a CA backed by a root key/cert pair loaded from (or
// generated into) a directory, with a bounded, approximately-LRU leaf cache.
type SelfSignCA struct {
	PrivateKey rsa.PrivateKey

	rootCert    *x509.Certificate
	rootCertDER []byte
	rootPEM     []byte
	storeDir    string

	cacheMu sync.Mutex
	cache   *lru.Cache
	group   *singleflight.Group

	metrics *metrics.Metrics
}

// SetMetrics attaches m so leaf-cert minting and cache evictions are
// recorded. Safe to call once before the CA starts serving traffic; nil
// leaves metrics recording disabled.
func (ca *SelfSignCA) SetMetrics(m *metrics.Metrics) {
	ca.metrics = m
	if m == nil {
		return
	}
	ca.cacheMu.Lock()
	defer ca.cacheMu.Unlock()
	ca.cache.OnEvicted = func(lru.Key, any) {
		m.LeafCertCacheEvicts.Inc()
	}
}

// NewSelfSignCA loads a root key/cert pair from dir (defaulting to "ca" in
// the working directory when dir is empty), generating and persisting a
// fresh self-signed root if none exists yet.
func NewSelfSignCA(dir string) (CA, error) {
	return NewSelfSignCAWithCapacity(dir, DefaultCacheCapacity)
}

// NewSelfSignCAWithCapacity is NewSelfSignCA with an explicit leaf-cache
// capacity.
func NewSelfSignCAWithCapacity(dir string, cacheCapacity int) (CA, error) {
	storeDir, err := getStorePath(dir)
	if err != nil {
		return nil, err
	}

	ca := &SelfSignCA{
		storeDir: storeDir,
		cache:    lru.New(cacheCapacity),
		group:    new(singleflight.Group),
	}

	if err := ca.loadOrGenerateRoot(); err != nil {
		return nil, err
	}

	return ca, nil
}

func getStorePath(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, "ca"), nil
}

func (ca *SelfSignCA) keyFile() string { return filepath.Join(ca.storeDir, rootKeyFile) }
func (ca *SelfSignCA) caFile() string  { return filepath.Join(ca.storeDir, rootCertFile) }

func (ca *SelfSignCA) loadOrGenerateRoot() error {
	keyBytes, keyErr := os.ReadFile(ca.keyFile())
	certBytes, certErr := os.ReadFile(ca.caFile())

	if keyErr == nil && certErr == nil {
		return ca.loadRoot(keyBytes, certBytes)
	}

	if err := GenerateRoot(ca.storeDir); err != nil {
		return err
	}

	keyBytes, err := os.ReadFile(ca.keyFile())
	if err != nil {
		return err
	}
	certBytes, err = os.ReadFile(ca.caFile())
	if err != nil {
		return err
	}
	return ca.loadRoot(keyBytes, certBytes)
}

func (ca *SelfSignCA) loadRoot(keyPEM, certPEM []byte) error {
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return errors.New("cert: invalid root private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("cert: parse root private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return errors.New("cert: root private key is not RSA")
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return errors.New("cert: invalid root certificate PEM")
	}
	rootCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("cert: parse root certificate: %w", err)
	}

	ca.PrivateKey = *rsaKey
	ca.rootCert = rootCert
	ca.rootCertDER = certBlock.Bytes
	ca.rootPEM = certPEM
	return nil
}

// GetRootPEM implements CA.
func (ca *SelfSignCA) GetRootPEM() []byte {
	return ca.rootPEM
}

// GetRootCA implements CA.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.rootCert
}

// GetCert implements CA. Cache hits return the exact same *tls.Certificate
// (identity, not just equality) for the lifetime of the cache entry.
func (ca *SelfSignCA) GetCert(authority string) (*tls.Certificate, error) {
	host := hostOnly(authority)

	ca.cacheMu.Lock()
	if val, ok := ca.cache.Get(host); ok {
		ca.cacheMu.Unlock()
		leaf, ok := val.(*tls.Certificate)
		if !ok {
			return nil, errors.New("cert: cached value is not a *tls.Certificate")
		}
		return leaf, nil
	}
	ca.cacheMu.Unlock()

	val, err := ca.group.Do(host, func() (any, error) {
		leaf, err := ca.mintLeaf(host)
		if err != nil {
			return nil, err
		}
		ca.cacheMu.Lock()
		ca.cache.Add(host, leaf)
		ca.cacheMu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}

	leaf, ok := val.(*tls.Certificate)
	if !ok {
		return nil, errors.New("cert: minted value is not a *tls.Certificate")
	}
	return leaf, nil
}

func (ca *SelfSignCA) mintLeaf(host string) (*tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("cert: generate serial: %w", err)
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("cert: generate leaf key: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(leafValidFrom),
		NotAfter:     now.Add(leafValidFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	leafDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &leafKey.PublicKey, &ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("cert: sign leaf: %w", err)
	}

	if ca.metrics != nil {
		ca.metrics.LeafCertsMinted.Inc()
	}

	return &tls.Certificate{
		Certificate: [][]byte{leafDER, ca.rootCertDER},
		PrivateKey:  leafKey,
		Leaf:        template,
	}, nil
}

// hostOnly strips an optional ":port" suffix; only the host enters the
// certificate and the cache key.
func hostOnly(authority string) string {
	if host, _, err := net.SplitHostPort(authority); err == nil {
		return host
	}
	return authority
}

// GenerateRoot writes a freshly generated root private key and self-signed
// certificate into dir (PKCS#8 PEM key, X.509 PEM cert), for the `genca`
// CLI subcommand.
func GenerateRoot(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("cert: generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("cert: generate root serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "ruletap root CA"},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("cert: self-sign root: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("cert: marshal root key: %w", err)
	}

	keyOut, err := os.Create(filepath.Join(dir, rootKeyFile))
	if err != nil {
		return err
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}); err != nil {
		return err
	}

	certOut, err := os.Create(filepath.Join(dir, rootCertFile))
	if err != nil {
		return err
	}
	defer certOut.Close()
	return pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der})
}
