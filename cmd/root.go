package main

import (
	"fmt"
	"sync"

	"github.com/MimeLyc/subcache/internal/config"
	"github.com/MimeLyc/subcache/pkg/log"
	"github.com/spf13/cobra"
)

type commandContext struct {
	envFile string
	dataDir string
	addr    string

	configOnce sync.Once
	config     *config.Config
	configErr  error
	closeLog   func() error
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

// ensureConfig loads the .env file and the environment once and installs the
// configured logger.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if err := config.LoadDotEnv(c.envFile); err != nil {
			c.configErr = fmt.Errorf("load env file: %w", err)
			return
		}
		cfg, err := config.NewFromEnv(config.WithDataDir(c.dataDir), config.WithHTTPAddr(c.addr))
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		if err := c.setupLogging(cfg); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) setupLogging(cfg *config.Config) error {
	level := log.ParseLevel(cfg.System.LogLevel)
	if cfg.System.LogFile == "" {
		log.InitLogger(level)
		return nil
	}
	fl, err := log.NewFileLogger(cfg.System.LogFile, level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log.SetLogger(fl.Logger)
	c.closeLog = fl.Close
	return nil
}

func (c *commandContext) close() {
	if c.closeLog != nil {
		_ = c.closeLog()
	}
}

func newRootCommand() *cobra.Command {
	ctx := newCommandContext()

	rootCmd := &cobra.Command{
		Use:           "subcache",
		Short:         "Subtitle cache and channel batch service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.envFile, "env-file", "", "Path to a .env file (default .env)")
	rootCmd.PersistentFlags().StringVar(&ctx.dataDir, "data-dir", "", "Directory holding the sqlite database (overrides DATA_DIR)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newFetchCommand(ctx))
	rootCmd.AddCommand(newBatchCommand(ctx))

	return rootCmd
}
