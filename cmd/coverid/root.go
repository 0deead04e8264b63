package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	coverid "github.com/menta2k/cover-identifier"
	"github.com/menta2k/cover-identifier/internal/config"
	"github.com/menta2k/cover-identifier/internal/logger"
	"github.com/menta2k/cover-identifier/internal/utils"
)

type commandContext struct {
	configFlag   *string
	envFlag      *string
	logLevelFlag *string

	once   sync.Once
	config *config.Config
	logger *zap.Logger
	err    error
}

func newCommandContext(configFlag, envFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		envFlag:      envFlag,
		logLevelFlag: logLevelFlag,
	}
}

// ensureConfig loads the configuration once. An explicit --config must
// exist; otherwise the default path is used when present and built-in
// defaults when not.
func (c *commandContext) ensureConfig() (*config.Config, *zap.Logger, error) {
	c.once.Do(func() {
		path := strings.TrimSpace(*c.configFlag)
		if path == "" && utils.FileExists(config.GetConfigPath()) {
			path = config.GetConfigPath()
		}

		cfg := config.Default()
		if path != "" {
			loaded, err := config.LoadFromFile(path)
			if err != nil {
				c.err = usageError("%v", err)
				return
			}
			cfg = loaded
		}
		if env := strings.TrimSpace(*c.envFlag); env != "" {
			cfg.Logging.Env = env
		}
		if level := strings.TrimSpace(*c.logLevelFlag); level != "" {
			cfg.Logging.Level = level
		}

		log, err := logger.NewLogger(cfg.Logging.Env, cfg.Logging.Level)
		if err != nil {
			c.err = usageError("%v", err)
			return
		}
		c.config = cfg
		c.logger = log
	})
	return c.config, c.logger, c.err
}

func (c *commandContext) close() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func newRootCommand() *cobra.Command {
	var configFlag, envFlag, logLevelFlag string
	ctx := newCommandContext(&configFlag, &envFlag, &logLevelFlag)

	rootCmd := &cobra.Command{
		Use:           "coverid",
		Short:         "Identify music albums from photos of their covers",
		Version:       coverid.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file (json, yaml or toml)")
	rootCmd.PersistentFlags().StringVar(&envFlag, "env", "", "Logging preset: prod, dev or local")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(newIdentifyCommand(ctx))
	rootCmd.AddCommand(newCatalogCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	rootCmd.AddCommand(newDetectorCommand(ctx))

	return rootCmd
}
