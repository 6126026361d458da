// Package cli 实现 mailpilotctl 运维命令
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailpilot/config"
	"mailpilot/internal/bootstrap"
	pkgconfig "mailpilot/pkg/config"
	"mailpilot/pkg/logger"
)

var (
	appVersion = "dev"
	appCommit  = "none"
)

// SetVersionInfo 由 ldflags 注入的版本信息
func SetVersionInfo(version, commit string) {
	appVersion = version
	appCommit = commit
}

type options struct {
	env       string
	configDir string
}

func (o *options) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.env, o.configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, logger.NewLogger(cfg.App.Debug), nil
}

// infra 加载配置并连接基础设施；调用方负责 Close
func (o *options) infra() (*bootstrap.Infra, error) {
	cfg, log, err := o.load()
	if err != nil {
		return nil, err
	}
	return bootstrap.NewInfra(cfg, log)
}

// NewRootCommand 构造命令树
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "mailpilotctl",
		Short: "Operate the mailpilot triage engine",
		Long: `mailpilotctl runs one-off operations against a mailpilot deployment:
database migrations, on-demand syncs and style learning, outbox replay,
credential onboarding and access token issuance.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.env, "env", pkgconfig.GetConfigEnv(), "config environment (base.yaml + <env>.yaml)")
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", pkgconfig.GetEnv("CONFIG_DIR", "config"), "directory holding the yaml config files")

	root.AddCommand(
		newVersionCommand(),
		newMigrateCommand(opts),
		newSyncCommand(opts),
		newLearnCommand(opts),
		newReplayCommand(opts),
		newConnectCommand(opts),
		newTokenCommand(opts),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mailpilotctl %s\ncommit: %s\n", appVersion, appCommit)
		},
	}
}
