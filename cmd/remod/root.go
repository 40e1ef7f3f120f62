package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/infracollect/remod"
	"github.com/infracollect/remod/remote"
)

// app carries the configuration shared by every subcommand.
type app struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "remod",
		Short: "Load and run code straight from GitHub repositories",
		Long: `remod fetches a repository archive (or a single file) from GitHub,
caches it locally and resolves it into a runnable module.

Lua files run in an embedded interpreter. Files without an extension are
started as plugins.

Examples:
  remod load octocat/Hello-World greet.lua --entry say_hi --arg '"octocat"'
  remod doc octocat/Hello-World:v2 greet.lua
  remod delete octocat/Hello-World
  remod latest octocat/Hello-World`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initConfig(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("cache-dir", "", "cache root (default $REMOD_CACHE_DIR or ~/.cache/remod)")
	flags.String("token", "", "GitHub token (default $GITHUB_TOKEN)")
	flags.BoolP("verbose", "v", false, "enable verbose logging")

	cmd.AddCommand(
		newLoadCmd(a),
		newDocCmd(a),
		newDeleteCmd(a),
		newLatestCmd(a),
		newPathCmd(a),
	)
	return cmd
}

// initConfig layers flags over environment variables over the config file.
func (a *app) initConfig(cmd *cobra.Command) error {
	v := a.v
	v.SetEnvPrefix("REMOD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	if err := v.BindEnv("token", remote.TokenEnv); err != nil {
		return fmt.Errorf("failed to bind token: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return nil
}

// logger builds a logr.Logger writing text lines to w.
func (a *app) logger(w io.Writer) logr.Logger {
	level := slog.LevelInfo
	if a.v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return logr.FromSlogHandler(handler)
}

// client creates a remod client from the merged configuration.
func (a *app) client(cmd *cobra.Command) (*remod.Client, error) {
	opts := []remod.Option{
		remod.WithLogger(a.logger(cmd.ErrOrStderr())),
	}
	if dir := a.v.GetString("cache-dir"); dir != "" {
		opts = append(opts, remod.WithCacheDir(dir))
	}
	if token := a.v.GetString("token"); token != "" {
		opts = append(opts, remod.WithToken(token))
	}

	client, err := remod.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
