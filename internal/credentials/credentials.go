// Package credentials fetches what is needed to log into the remote host.
// Secrets never live in the service configuration; only the source and the
// parameter-name prefix do.
package credentials

import (
	"context"
	"fmt"

	"github.com/andrej220/remexec/internal/orchestrator"
)

// Credentials identify one remote account.
type Credentials struct {
	Host       string
	User       string
	PrivateKey []byte
	Passphrase string
	Password   string
}

// Validate checks that a login is possible with c.
func (c Credentials) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("%w: host is empty", orchestrator.ErrCredential)
	case c.User == "":
		return fmt.Errorf("%w: user is empty", orchestrator.ErrCredential)
	case len(c.PrivateKey) == 0 && c.Password == "":
		return fmt.Errorf("%w: neither private key nor password given", orchestrator.ErrCredential)
	}
	return nil
}

// Provider fetches credentials. It is called once per job.
type Provider interface {
	Fetch(ctx context.Context) (Credentials, error)
}

// Static always returns the same credentials. Used by tests and the CLI.
type Static Credentials

func (s Static) Fetch(context.Context) (Credentials, error) {
	c := Credentials(s)
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// Parameter name suffixes under a prefix, e.g. "nci.host".
const (
	SuffixHost       = "host"
	SuffixUser       = "user"
	SuffixPrivateKey = "pkey"
	SuffixPassphrase = "passphrase"
	SuffixPassword   = "password"
)
