package auth

import (
	"context"
	"encoding/base64"

	krb5client "gopkg.in/jcmturner/gokrb5.v5/client"
	krb5config "gopkg.in/jcmturner/gokrb5.v5/config"
	"gopkg.in/jcmturner/gokrb5.v5/keytab"
	"gopkg.in/jcmturner/gokrb5.v5/spnego"
)

// KerberosProvider produces a base64 SPNEGO token via
// gopkg.in/jcmturner/gokrb5.v5 (a teacher dependency with no other home
// in this domain) for on-prem/enterprise deployments authenticating via
// Kerberos.
type KerberosProvider struct {
	ConfigPath string
	Username   string
	Realm      string
	KeytabPath string
	SPN        string
}

// Params logs in against the realm's KDC using the configured keytab and
// returns a base64-encoded SPNEGO token under "spnego".
func (p KerberosProvider) Params(ctx context.Context) (map[string]interface{}, error) {
	cfg, err := krb5config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	kt, err := keytab.Load(p.KeytabPath)
	if err != nil {
		return nil, err
	}
	cl := krb5client.NewClientWithKeytab(p.Username, p.Realm, kt)
	cl.WithConfig(cfg)
	if err := cl.Login(); err != nil {
		return nil, err
	}
	defer cl.Destroy()

	spnegoCl := spnego.SPNEGOClient(cl, p.SPN)
	if err := spnegoCl.AcquireCred(); err != nil {
		return nil, err
	}
	token, err := spnegoCl.InitSecContext()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"spnego": base64.StdEncoding.EncodeToString(token),
	}, nil
}
