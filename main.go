package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dreammall/signal/internal/config"
	"github.com/dreammall/signal/pkg/logger"
)

type globalFlags struct {
	configDir string
	envFiles  []string
	debug     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "dreammall",
		Short:        "DreamMall signaling relay and peer client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configDir, "config", "c", "", "directory holding "+config.FileName)
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", nil, "dotenv files to read (default .env, ../.env)")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(newRelayCmd(g), newChatCmd(g))
	return root
}

func (g *globalFlags) load() (config.Config, error) {
	if err := config.LoadDotEnv(g.envFiles...); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(g.configDir)
	if err != nil {
		return cfg, err
	}
	if g.debug {
		cfg.Log.Debug = true
	}
	return cfg, nil
}

func newLogger(c config.Log, tag string) *logger.Logger {
	if c.JSON {
		l := logger.New(c.Debug)
		return l.Extend(l.With().Str("s", tag))
	}
	return logger.NewConsole(c.Debug, tag, c.NoColor)
}
