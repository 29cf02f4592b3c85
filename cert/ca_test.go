package cert_test

import (
	"crypto/x509"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/ruletap/ruletap/cert"
)

func newTestCA(t *testing.T) cert.CA {
	t.Helper()
	ca, err := cert.NewSelfSignCA(t.TempDir())
	qt.Assert(t, err, qt.IsNil)
	return ca
}

func TestNewSelfSignCAGeneratesRootWhenMissing(t *testing.T) {
	c := qt.New(t)

	ca := newTestCA(t)

	c.Assert(ca.GetRootPEM(), qt.Not(qt.HasLen), 0)
	c.Assert(ca.GetRootCA(), qt.IsNotNil)
	c.Assert(ca.GetRootCA().IsCA, qt.IsTrue)
}

func TestNewSelfSignCALoadsPersistedRoot(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	first, err := cert.NewSelfSignCA(dir)
	c.Assert(err, qt.IsNil)

	second, err := cert.NewSelfSignCA(dir)
	c.Assert(err, qt.IsNil)

	c.Assert(second.GetRootCA().SerialNumber.String(), qt.Equals, first.GetRootCA().SerialNumber.String())
}

func TestGetCertSignsLeafWithRoot(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(t)

	leaf, err := ca.GetCert("example.com:443")
	c.Assert(err, qt.IsNil)
	c.Assert(leaf.Leaf.Subject.CommonName, qt.Equals, "example.com")
	c.Assert(len(leaf.Certificate), qt.Equals, 2)

	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	c.Assert(err, qt.IsNil)
	c.Assert(parsed.CheckSignatureFrom(ca.GetRootCA()), qt.IsNil)
}

func TestGetCertCachesByHostIgnoringPort(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(t)

	a, err := ca.GetCert("example.com:443")
	c.Assert(err, qt.IsNil)

	b, err := ca.GetCert("example.com:8443")
	c.Assert(err, qt.IsNil)

	c.Assert(a, qt.Equals, b)
}

func TestGetCertMintsDistinctLeavesPerHost(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(t)

	a, err := ca.GetCert("a.example.com")
	c.Assert(err, qt.IsNil)

	b, err := ca.GetCert("b.example.com")
	c.Assert(err, qt.IsNil)

	c.Assert(a.Leaf.Subject.CommonName, qt.Not(qt.Equals), b.Leaf.Subject.CommonName)
}

func TestGetCertConcurrentRequestsDeduplicate(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(t)

	const n = 16

	leaves := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			leaf, err := ca.GetCert("concurrent.example.com")
			if err != nil {
				leaves <- ""
				return
			}
			leaves <- leaf.Leaf.SerialNumber.String()
		}()
	}

	first := ""
	for i := 0; i < n; i++ {
		serial := <-leaves
		c.Assert(serial, qt.Not(qt.Equals), "")
		if first == "" {
			first = serial
		}
		c.Assert(serial, qt.Equals, first)
	}
}
