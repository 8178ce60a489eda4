package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"Errand-Desk/internal/config"
	"Errand-Desk/pkg/logger"
)

// main 是 errandd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Fatalf("errandd 运行失败: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "errandd",
		Short:         "Errand Desk 任务编排与审批服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，默认读取 ERRANDD_CONFIG")

	load := func() (*config.Config, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if err := initLogger(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "启动 API 服务与后台任务处理",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				defer logger.Sync()
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "执行数据库迁移后退出",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				defer logger.Sync()
				return migrate(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "replay",
			Short: "补投一次未完成的后台任务后退出",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				defer logger.Sync()
				return replay(cmd.Context(), cfg)
			},
		},
	)
	return root
}

// loadConfig 按 flag、环境变量、默认配置的顺序解析配置。
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("ERRANDD_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(filepath.Join("configs", "errandd.yaml")); err == nil {
			path = filepath.Join("configs", "errandd.yaml")
		}
	}
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		return config.Default(wd), nil
	}
	return config.Load(path)
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		OutputPaths:  cfg.Logging.OutputPaths,
		RedactPhones: cfg.Logging.RedactPhones,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	})
}
