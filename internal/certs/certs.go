// Package certs defines the certificate provider contract the routing data
// plane consumes at TLS handshake time, and a static file-backed
// implementation for local and development use. Acquisition and renewal
// (e.g. ACME) are outside this package's scope.
package certs

import (
	"crypto/tls"
	"sync"
)

// Provider supplies the current leaf certificate and private key. Current
// takes a value-semantics snapshot: the data plane calls it once per TLS
// handshake, so rotating the underlying certificate takes effect on the
// very next connection with no listener restart.
type Provider interface {
	Current() (*tls.Certificate, error)
}

// Static serves a fixed certificate loaded once at construction time.
type Static struct {
	cert tls.Certificate
}

// NewStatic loads a certificate/key pair from disk.
func NewStatic(certFile, keyFile string) (*Static, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &Static{cert: cert}, nil
}

// Current implements Provider.
func (s *Static) Current() (*tls.Certificate, error) {
	return &s.cert, nil
}

// Rotating allows an externally-driven certificate (e.g. periodically
// renewed by an ACME client such as go-acme/lego, out of this package's
// scope) to be swapped in without restarting the TLS listener.
type Rotating struct {
	mu   sync.RWMutex
	cert *tls.Certificate
}

// NewRotating starts a Rotating provider with an initial certificate.
func NewRotating(initial *tls.Certificate) *Rotating {
	return &Rotating{cert: initial}
}

// Set replaces the currently served certificate.
func (r *Rotating) Set(cert *tls.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cert = cert
}

// Current implements Provider.
func (r *Rotating) Current() (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}
