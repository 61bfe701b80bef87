// Package sign computes the MAC tag on dispatched job-run requests.
package sign

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
)

// Signer holds the secret used to sign request bodies.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer from a secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign computes the hex HMAC-SHA1 tag of a request body.
func (s *Signer) Sign(body []byte) string {
	h := hmac.New(sha1.New, s.secret)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the MAC on a body in constant time.
func (s *Signer) Verify(body []byte, tag string) bool {
	expected := s.Sign(body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(tag)) == 1
}

// Source fetches the signing secret of a project at startup.
// The production secret store client is an external collaborator; this
// interface is its seam.
type Source interface {
	Fetch(ctx context.Context, project string) ([]byte, error)
}

// FileSource reads the secret from a local file provisioned out of band.
type FileSource struct {
	Path string
}

// Fetch reads and trims the secret file.
func (f FileSource) Fetch(_ context.Context, project string) ([]byte, error) {
	secret, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret for project %s: %w", project, err)
	}
	secret = bytes.TrimRight(secret, "\r\n")
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty secret for project %s", project)
	}
	return secret, nil
}
