package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/andrej220/remexec/internal/orchestrator"
)

// EnvProvider reads credentials from environment variables named
// <PREFIX>_HOST, <PREFIX>_USER, <PREFIX>_PKEY (or <PREFIX>_PKEY_FILE),
// <PREFIX>_PASSPHRASE and <PREFIX>_PASSWORD. Values from the optional .env
// files are used where the process environment does not set a variable.
type EnvProvider struct {
	Prefix   string
	EnvFiles []string
	// lookup defaults to os.LookupEnv.
	lookup func(string) (string, bool)
}

func NewEnvProvider(prefix string, envFiles ...string) *EnvProvider {
	return &EnvProvider{Prefix: prefix, EnvFiles: envFiles, lookup: os.LookupEnv}
}

func (p *EnvProvider) Fetch(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	fileVars := map[string]string{}
	if len(p.EnvFiles) > 0 {
		vars, err := godotenv.Read(p.EnvFiles...)
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: reading env files: %v", orchestrator.ErrCredential, err)
		}
		fileVars = vars
	}
	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(suffix string) string {
		name := p.varName(suffix)
		if v, ok := lookup(name); ok {
			return v
		}
		return fileVars[name]
	}

	c := Credentials{
		Host:       get(SuffixHost),
		User:       get(SuffixUser),
		Passphrase: get(SuffixPassphrase),
		Password:   get(SuffixPassword),
	}
	if key := get(SuffixPrivateKey); key != "" {
		c.PrivateKey = []byte(key)
	} else if path := get(SuffixPrivateKey + "_file"); path != "" {
		key, err := os.ReadFile(path)
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: reading private key: %v", orchestrator.ErrCredential, err)
		}
		c.PrivateKey = key
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

func (p *EnvProvider) varName(suffix string) string {
	prefix := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(p.Prefix))
	return prefix + "_" + strings.ToUpper(suffix)
}
