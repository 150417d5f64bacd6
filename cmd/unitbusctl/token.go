package main

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ngenohkevin/unitbus/internal/server"
)

type tokenResult struct {
	Token     string       `json:"token"`
	Subject   string       `json:"subject"`
	Scope     server.Scope `json:"scope"`
	Units     []string     `json:"units,omitempty"`
	ExpiresAt time.Time    `json:"expires_at"`
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		scope  string
		units  []string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Sign an agent token",
		Long: `Sign an HS256 token the agent accepts as a bearer credential.

--scope read limits the token to status, logs and diagnosis. --unit (repeatable)
limits it to the named units on top of the agent's ALLOWED_UNITS.`,
		Example: `  JWT_SECRET=... unitbusctl token dashboard --scope read --unit nginx --ttl 720h`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return errors.New("no signing secret: pass --secret or set JWT_SECRET")
			}
			sc, err := server.ParseScope(scope)
			if err != nil {
				return err
			}

			signer := server.NewAuthService("", secret)
			token, err := signer.GenerateToken(args[0], sc, units, ttl)
			if err != nil {
				return err
			}
			claims, err := signer.ValidateToken(token)
			if err != nil {
				return err
			}
			return printJSON(cmd, tokenResult{
				Token:     token,
				Subject:   claims.Subject,
				Scope:     claims.Scope,
				Units:     claims.Units,
				ExpiresAt: claims.ExpiresAt.UTC(),
			})
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default $JWT_SECRET)")
	cmd.Flags().StringVar(&scope, "scope", string(server.ScopeControl), "read or control")
	cmd.Flags().StringArrayVar(&units, "unit", nil, "restrict the token to this unit (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
