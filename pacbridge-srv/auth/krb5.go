package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/jcmturner/gokrb5/v8/client"
	krbconfig "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// KDC errors that mean "this principal cannot get a ticket for that
// service", i.e. the proxy is outside our realm.
var absentTicketErrors = []string{
	"KDC_ERR_S_PRINCIPAL_UNKNOWN",
	"KDC_ERR_WRONG_REALM",
	"KDC_ERR_C_PRINCIPAL_UNKNOWN",
	"KDC_ERR_PREAUTH_REQUIRED",
	"TGT expired",
	"client has no password",
}

// Kerberos is the gokrb5 mechanism. The client built from the credential
// cache is shared by all sessions and rebuilt when the cache file changes or
// its TGT expires.
type Kerberos struct {
	krb5Conf string
	ccache   string
	now      func() time.Time

	mu        sync.Mutex
	cl        *client.Client
	ccModTime time.Time
	tgtEnd    time.Time
}

// NewKerberos uses krb5Conf and ccache, falling back to KRB5_CONFIG,
// KRB5CCNAME and the usual default locations.
func NewKerberos(krb5Conf, ccache string) *Kerberos {
	if krb5Conf == "" {
		krb5Conf = os.Getenv("KRB5_CONFIG")
	}
	if krb5Conf == "" {
		krb5Conf = "/etc/krb5.conf"
	}
	if ccache == "" {
		ccache = os.Getenv("KRB5CCNAME")
	}
	if ccache == "" {
		ccache = "/tmp/krb5cc_" + strconv.Itoa(os.Getuid())
	}
	return &Kerberos{krb5Conf: krb5Conf, ccache: ccache, now: time.Now}
}

func (k *Kerberos) Name() string { return "kerberos" }

// ccachePath returns the file behind a FILE: cache name.
func (k *Kerberos) ccachePath() (string, error) {
	name := k.ccache
	if kind, rest, ok := strings.Cut(name, ":"); ok && len(kind) > 1 {
		if !strings.EqualFold(kind, "FILE") {
			return "", fmt.Errorf("%w: credential cache type %s is not supported", ErrNoCredentials, kind)
		}
		name = rest
	}
	return name, nil
}

// credential returns the shared client, loading it on first use.
func (k *Kerberos) credential() (*client.Client, error) {
	path, err := k.ccachePath()
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no credential cache at %s", ErrNoCredentials, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.cl != nil && info.ModTime().Equal(k.ccModTime) && k.now().Before(k.tgtEnd) {
		return k.cl, nil
	}

	if _, err := os.Stat(k.krb5Conf); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no Kerberos configuration at %s", ErrNoCredentials, k.krb5Conf)
	}
	cfg, err := krbconfig.Load(k.krb5Conf)
	if err != nil {
		if cfg == nil {
			return nil, fmt.Errorf("%w: failed to load %s: %v", ErrProviderUnavailable, k.krb5Conf, err)
		}
		// unsupported directives are reported but the rest is usable
		logger.Debug("Kerberos configuration %s: %v", k.krb5Conf, err)
	}

	cc, err := credentials.LoadCCache(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read credential cache %s: %v", ErrNoCredentials, path, err)
	}

	tgtEnd := tgtEndTime(cc)
	if !tgtEnd.IsZero() && !k.now().Before(tgtEnd) {
		return nil, fmt.Errorf("%w: TGT in %s expired at %s", ErrNoCredentials, path, tgtEnd.Format(time.RFC3339))
	}

	cl, err := client.NewFromCCache(cc, cfg, client.DisablePAFXFAST(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}

	if tgtEnd.IsZero() {
		tgtEnd = k.now().Add(time.Hour)
	}
	k.cl, k.ccModTime, k.tgtEnd = cl, info.ModTime(), tgtEnd
	logger.Info("Loaded Kerberos credentials for %s@%s from %s (valid until %s)",
		cl.Credentials.UserName(), cl.Credentials.Domain(), path, tgtEnd.Format(time.RFC3339))
	return cl, nil
}

// tgtEndTime returns the end time of the first krbtgt entry in the cache.
func tgtEndTime(cc *credentials.CCache) time.Time {
	for _, cred := range cc.GetEntries() {
		if strings.HasPrefix(cred.Server.PrincipalName.PrincipalNameString(), "krbtgt/") {
			return cred.EndTime
		}
	}
	return time.Time{}
}

func (k *Kerberos) InitContext(ctx context.Context, spn string) (SecurityContext, []byte, bool, error) {
	cl, err := k.credential()
	if err != nil {
		return nil, nil, false, err
	}

	type result struct {
		token []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		s := spnego.SPNEGOClient(cl, spn)
		if err := s.AcquireCred(); err != nil {
			done <- result{err: fmt.Errorf("could not acquire client credential: %w", err)}
			return
		}
		st, err := s.InitSecContext()
		if err != nil {
			done <- result{err: err}
			return
		}
		token, err := st.Marshal()
		done <- result{token: token, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, nil, false, ctx.Err()
	case res := <-done:
		if res.err != nil {
			if isAbsentTicketError(res.err) {
				return nil, nil, false, fmt.Errorf("%w: %v", ErrNoCredentials, res.err)
			}
			return nil, nil, false, res.err
		}
		return kerberosContext{}, res.token, false, nil
	}
}

func isAbsentTicketError(err error) bool {
	msg := err.Error()
	for _, s := range absentTicketErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// kerberosContext completes in a single round. The proxy's mutual
// authentication reply is accepted without a further token.
type kerberosContext struct{}

func (kerberosContext) Update([]byte) (bool, []byte, error) { return true, nil, nil }

func (kerberosContext) Release() {}
