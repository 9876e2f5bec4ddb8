package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
)

type tokenOutput struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// newTokenCommand issues session tokens for devices and scripts that cannot sign in
// through a browser.
func newTokenCommand(defaults *viper.Viper) *cobra.Command {
	var identity auth.Identity
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token signed with the server secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("session.signing_secret")
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("session.signing_secret is required")
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(secret),
				TokenTTL:      viper.GetDuration("session.ttl"),
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(identity)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(tokenOutput{Token: token, ExpiresAt: expiresAt})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&identity.UserID, "user-id", "", "User id carried by the token")
	flags.StringVar(&identity.Email, "email", "", "User email")
	flags.StringVar(&identity.DisplayName, "name", "", "Display name shown to collaborators")
	flags.Duration("ttl", defaults.GetDuration("session.ttl"), "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	bindFlag(flags.Lookup("ttl"), "session.ttl")
	return cmd
}
