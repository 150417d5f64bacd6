package main

import (
	"github.com/spf13/cobra"

	"github.com/ngenohkevin/unitbus/config"
)

type keygenResult struct {
	APIKey    string `json:"api_key"`
	JWTSecret string `json:"jwt_secret"`
	EnvFile   string `json:"env_file,omitempty"`
}

func newKeygenCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key and JWT secret for the agent",
		Long: `Generate an API key and JWT secret for the agent.

With --env-file the values are written to that file as API_KEY and
JWT_SECRET, keeping every other line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.GenerateAPIKey()
			if err != nil {
				return err
			}
			secret, err := config.GenerateAPIKey()
			if err != nil {
				return err
			}

			out := keygenResult{APIKey: key, JWTSecret: secret}
			if envFile != "" {
				if err := config.UpdateEnvFile(envFile, map[string]string{
					"API_KEY":    key,
					"JWT_SECRET": secret,
				}); err != nil {
					return err
				}
				out.EnvFile = envFile
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "write the values into this .env file")
	return cmd
}
