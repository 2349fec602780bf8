// Package policy holds the concrete, in-tree reference implementations of
// the callback surface spec.md §6 describes as supplied by an out-of-scope
// policy layer: get_queue_config, get_egress_source, get_egress_path_config,
// and (here) a DKIM signer satisfying message.Signer.
package policy

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/emersion/go-msgauth/dkim"
)

// DKIMSigner signs outbound message bytes for one domain/selector pair. It
// implements message.Signer.
type DKIMSigner struct {
	domain     string
	selector   string
	privateKey *rsa.PrivateKey
}

// NewDKIMSigner loads a PEM-encoded RSA private key (PKCS#1 or PKCS#8) and
// returns a signer bound to domain/selector.
func NewDKIMSigner(domain, selector, keyPath string) (*DKIMSigner, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("policy: read DKIM key: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("policy: failed to decode PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("policy: parse DKIM private key: %w", err2)
		}
		var ok bool
		privateKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("policy: DKIM key is not RSA")
		}
	}

	return &DKIMSigner{
		domain:     domain,
		selector:   selector,
		privateKey: privateKey,
	}, nil
}

// Sign reads an unsigned message from r and writes the DKIM-signed form to
// w, satisfying message.Signer.
func (s *DKIMSigner) Sign(w io.Writer, r io.Reader) error {
	options := &dkim.SignOptions{
		Domain:   s.domain,
		Selector: s.selector,
		Signer:   s.privateKey,
		Hash:     crypto.SHA256,
		HeaderKeys: []string{
			"From",
			"To",
			"Subject",
			"Date",
			"Message-ID",
			"Content-Type",
			"MIME-Version",
		},
	}
	return dkim.Sign(w, r, options)
}

// DKIMSignerPool resolves a DKIMSigner by the sending domain, so the engine
// can sign on behalf of many domains from a single process.
type DKIMSignerPool struct {
	mu      sync.RWMutex
	signers map[string]*DKIMSigner
}

// NewDKIMSignerPool returns an empty pool.
func NewDKIMSignerPool() *DKIMSignerPool {
	return &DKIMSignerPool{
		signers: make(map[string]*DKIMSigner),
	}
}

// AddSigner registers a signer for domain, loading its key from keyPath.
func (p *DKIMSignerPool) AddSigner(domain, selector, keyPath string) error {
	signer, err := NewDKIMSigner(domain, selector, keyPath)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.signers[strings.ToLower(domain)] = signer
	p.mu.Unlock()
	return nil
}

// SignerFor returns the registered signer for domain, or nil if none is
// registered. The returned value satisfies message.Signer, so it can be
// passed directly to Handle.DKIMSign.
func (p *DKIMSignerPool) SignerFor(domain string) *DKIMSigner {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.signers[strings.ToLower(domain)]
}
