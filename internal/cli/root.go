package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lazypower/persona/internal/client"
	"github.com/lazypower/persona/internal/config"
)

var (
	configPath string
	cfg        = config.Default()
)

var rootCmd = &cobra.Command{
	Use:          "persona",
	Short:        "Long-term personalization memory for assistants",
	Long:         "Persona remembers what matters about a user across conversations: facts, events and preferences, scored, deduplicated and decayed over time.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		// Child loggers copy the level at creation, so set it before anything
		// calls WithPrefix.
		level, err := log.ParseLevel(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
		log.SetLevel(level)
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	log.SetOutput(os.Stderr)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.persona/persona.toml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(holdCmd)
	rootCmd.AddCommand(decayCmd)
}

func newClient() *client.Client {
	return client.New(cfg.Server.URL)
}
