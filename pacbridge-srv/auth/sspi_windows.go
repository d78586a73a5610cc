//go:build windows

package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/alexbrainman/sspi"
	"github.com/alexbrainman/sspi/negotiate"
	"github.com/codefionn/pacbridge/pacbridge-srv/config"
)

// SSPI is the Windows Negotiate mechanism. The current user's credential
// handle is acquired on first success and shared by every session; a failed
// acquisition is retried on the next call.
type SSPI struct {
	mu      sync.Mutex
	cred    *sspi.Credentials
	acquire func() (*sspi.Credentials, error)
}

// NewSSPI returns the SSPI mechanism. Credentials are acquired lazily.
func NewSSPI() (*SSPI, error) {
	return &SSPI{acquire: negotiate.AcquireCurrentUserCredentials}, nil
}

func (s *SSPI) Name() string { return "sspi" }

func (s *SSPI) credentials() (*sspi.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred != nil {
		return s.cred, nil
	}
	cred, err := s.acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}
	s.cred = cred
	return cred, nil
}

func (s *SSPI) InitContext(ctx context.Context, spn string) (SecurityContext, []byte, bool, error) {
	cred, err := s.credentials()
	if err != nil {
		return nil, nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, false, err
	}

	cc, token, err := negotiate.NewClientContext(cred, spn)
	if err != nil {
		return nil, nil, false, fmt.Errorf("InitializeSecurityContext: %w", err)
	}
	// NTLM fallback needs a second round; Kerberos answers with a mutual
	// authentication token that Update accepts.
	return &sspiContext{cc: cc}, token, true, nil
}

type sspiContext struct {
	cc *negotiate.ClientContext
}

func (c *sspiContext) Update(challenge []byte) (bool, []byte, error) {
	return c.cc.Update(challenge)
}

func (c *sspiContext) Release() {
	_ = c.cc.Release()
}

func defaultMechanism(config.AuthConfig) (Mechanism, error) {
	return NewSSPI()
}
