package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/globals"
)

// Identity is what an OIDC provider attests about a user. The e-mail is the
// stable external identifier, name/picture seed the profile on first login.
type Identity struct {
	Email   string
	Name    string
	Picture string
}

// Authenticate verifies a given OIDC ID-Token against the configured
// provider and returns the attested identity. With an empty token or no
// matching provider configuration it returns nil without error, callers
// treat that as "no identity".
func Authenticate(ctx context.Context, idToken, providerName string, cfg *config.Config) (*Identity, error) {
	if idToken == "" || len(cfg.OIDCConfigs) == 0 {
		return nil, nil
	}
	var oidcConf *config.OIDCConfig
	for i := range cfg.OIDCConfigs {
		if cfg.OIDCConfigs[i].Name == providerName {
			oidcConf = &cfg.OIDCConfigs[i]
			break
		}
	}
	if oidcConf == nil {
		globals.AppLogger.Debug("no oidc config found for provider", "provider", providerName)
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	verifiedIdToken, err := provider.Verifier(&conf).Verify(ctx, idToken)
	if err != nil {
		return nil, fmt.Errorf("oidc verify: %w", err)
	}

	claims := struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}{}
	if err := verifiedIdToken.Claims(&claims); err != nil {
		return nil, err
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("oidc token carries no e-mail claim")
	}
	return &Identity{Email: claims.Email, Name: claims.Name, Picture: claims.Picture}, nil
}
