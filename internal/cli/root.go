package cli

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFile    string
	configPath string
	baseURL    string
	token      string
	sessionID  string
	userUID    string
	game       string
	host       bool
}

// env-backed flags; an explicit flag always wins over the environment.
var envFlags = map[string]string{
	"config":   "CONFIG_PATH",
	"base-url": "ROUNDSYNC_API_URL",
	"token":    "ROUNDSYNC_TOKEN",
	"session":  "ROUNDSYNC_SESSION",
	"user":     "ROUNDSYNC_USER",
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "roundsync",
		Short:         "Headless client for polling party-game sessions",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(cmd, opts.envFile)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flags.StringVar(&opts.configPath, "config", "", "path to YAML config (env CONFIG_PATH)")
	flags.StringVar(&opts.baseURL, "base-url", "", "game API base URL, overrides api.baseUrl (env ROUNDSYNC_API_URL)")
	flags.StringVar(&opts.token, "token", "", "bearer token sent with every request (env ROUNDSYNC_TOKEN)")
	flags.StringVar(&opts.sessionID, "session", "", "session id (env ROUNDSYNC_SESSION)")
	flags.StringVar(&opts.userUID, "user", "", "local user id (env ROUNDSYNC_USER)")
	flags.StringVar(&opts.game, "game", "quiz", "game type: quiz or reaction")
	flags.BoolVar(&opts.host, "host", false, "act as session host and reinforce finishing")

	cmd.AddCommand(newPlayCmd(opts))
	cmd.AddCommand(newResultsCmd(opts))
	return cmd
}

// loadEnv reads the dotenv file, if any, and fills env-backed flags the
// user did not set.
func loadEnv(cmd *cobra.Command, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	for name, key := range envFlags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || flag.Changed {
			continue
		}
		if v := os.Getenv(key); v != "" {
			if err := cmd.Flags().Set(name, v); err != nil {
				return err
			}
		}
	}
	return nil
}
