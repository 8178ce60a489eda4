package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"Errand-Desk/internal/agent"
	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/api"
	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/call"
	"Errand-Desk/internal/config"
	"Errand-Desk/internal/contact"
	"Errand-Desk/internal/conversation"
	"Errand-Desk/internal/dispatch"
	"Errand-Desk/internal/jobs"
	"Errand-Desk/internal/llm/openai"
	"Errand-Desk/internal/memory"
	"Errand-Desk/internal/notify"
	"Errand-Desk/internal/observability/alerting"
	"Errand-Desk/internal/research"
	"Errand-Desk/internal/settings"
	"Errand-Desk/internal/stats"
	"Errand-Desk/internal/storage/sqlstore"
	"Errand-Desk/internal/task"
	"Errand-Desk/internal/telephony"
	"Errand-Desk/pkg/logger"
)

func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.DB, error) {
	return sqlstore.Open(ctx, sqlstore.Config{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
	})
}

// openQueue 根据配置选择任务队列驱动。
func openQueue(ctx context.Context, cfg config.QueueConfig) (jobs.Queue, error) {
	switch cfg.Driver {
	case "memory", "":
		return jobs.NewMemoryQueue(cfg.MemoryBuffer), nil
	case "redis":
		return jobs.NewRedisQueue(ctx, jobs.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSecs) * time.Second,
		})
	case "rabbitmq":
		return jobs.NewRabbitMQQueue(jobs.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
		})
	default:
		return nil, fmt.Errorf("不支持的队列驱动: %s", cfg.Driver)
	}
}

func migrate(ctx context.Context, cfg *config.Config) error {
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	applied, err := db.Migrate(ctx)
	if err != nil {
		return err
	}
	logger.L().Info("数据库迁移完成", slog.String("driver", cfg.Storage.Driver), slog.Any("applied", applied))
	return nil
}

func replay(ctx context.Context, cfg *config.Config) error {
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer queue.Close()

	published, err := jobs.NewSupervisor(db, queue, jobs.SupervisorConfig{Lease: cfg.Queue.Lease(), Orphans: db}).Sweep(ctx)
	if err != nil {
		return err
	}
	logger.L().Info("补投完成", slog.Int("count", published))
	return nil
}

func emailDispatcher(cfg config.SMTPConfig, source settings.Source) alerting.Dispatcher {
	if cfg.Host == "" || cfg.From == "" {
		logger.L().Warn("未配置 SMTP，运营通知只写入收件箱")
		return nil
	}
	sender := alerting.NewSMTPSender(alerting.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	})
	return alerting.NewFanout(&alerting.EmailNotifier{
		Sender:        sender,
		Settings:      source,
		SubjectPrefix: cfg.SubjectPrefix,
		MinSeverity:   alerting.ParseSeverity(cfg.MinSeverity),
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("errandd")

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer queue.Close()

	llmClient, err := openai.NewClient(openai.Config{
		APIKey:          cfg.LLM.OpenAI.APIKey,
		BaseURL:         cfg.LLM.OpenAI.BaseURL,
		Model:           cfg.LLM.OpenAI.Model,
		SearchModel:     cfg.LLM.OpenAI.SearchModel,
		TranscribeModel: cfg.LLM.OpenAI.TranscribeModel,
		Timeout:         cfg.LLM.OpenAI.Timeout(),
	})
	if err != nil {
		return err
	}

	enqueuer := jobs.NewService(db, queue)
	defer enqueuer.Close()

	loader := settings.NewLoader(db)
	recorder := agentlog.NewRecorder(db)
	centerOpts := []notify.Option{notify.WithRecorder(recorder)}
	if d := emailDispatcher(cfg.Notify.SMTP, loader); d != nil {
		centerOpts = append(centerOpts, notify.WithDispatcher(d))
	}
	center := notify.NewCenter(db, centerOpts...)

	tasks := task.NewService(db, enqueuer, task.WithRecorder(recorder))
	approvals := approval.NewService(db, tasks, enqueuer, recorder)
	directory := contact.NewDirectory(db)
	memories := memory.NewBook(db)

	dispatchDeps := dispatch.Dependencies{
		Approvals: approvals,
		Tasks:     tasks,
		Calls:     db,
		Retries:   db,
		Enqueuer:  enqueuer,
		Center:    center,
		Recorder:  recorder,
		Settings:  loader,
		BaseURL:   cfg.Runtime.PublicBaseURL,
	}
	health := []api.HealthCheck{{Name: "database", Label: "Database", Target: db}}
	gatewayCheck := api.HealthCheck{Name: "gateway", Label: "Agent gateway"}
	if gw := cfg.Telephony.Gateway; gw.Enabled() {
		client := telephony.NewGatewayClient(telephony.GatewayConfig{
			URL:       gw.URL,
			HookToken: gw.HookToken,
			Timeout:   time.Duration(gw.TimeoutSecs) * time.Second,
		})
		dispatchDeps.Gateway = client
		gatewayCheck.Target = client
	}
	var twilio *telephony.TwilioClient
	twilioCheck := api.HealthCheck{Name: "twilio", Label: "Twilio"}
	if tw := cfg.Telephony.Twilio; tw.Enabled() {
		twilio = telephony.NewTwilioClient(telephony.TwilioConfig{
			AccountSID: tw.AccountSID,
			AuthToken:  tw.AuthToken,
			FromNumber: tw.FromNumber,
			BaseURL:    tw.BaseURL,
			Timeout:    time.Duration(tw.TimeoutSecs) * time.Second,
		})
		dispatchDeps.Scripted = twilio
		twilioCheck.Target = twilio
	}
	if dispatchDeps.Gateway == nil && dispatchDeps.Scripted == nil {
		log.Warn("未配置任何外呼通道，已批准的通话将被标记失败")
	}
	health = append(health, gatewayCheck, twilioCheck, api.HealthCheck{Name: "openai", Label: "OpenAI", Target: llmClient})

	testCalls := dispatch.NewTestCaller(dispatchDeps.Scripted, db, cfg.Runtime.PublicBaseURL)
	var recordings call.RecordingSource
	if twilio != nil {
		recordings = twilio
	}
	transcripts := call.NewTranscription(db, recordings, llmClient, llmClient)

	worker := research.NewWorker(research.Dependencies{
		Tasks:     tasks,
		Contacts:  directory,
		Approvals: approvals,
		LLM:       llmClient,
		Center:    center,
		Recorder:  recorder,
		Settings:  loader,
	})
	processor := jobs.NewProcessor(db, queue,
		jobs.WithWorkerCount(cfg.Queue.Workers),
		jobs.WithLease(cfg.Queue.Lease()),
		jobs.WithRunner(jobs.KindResearch, worker),
		jobs.WithRunner(jobs.KindCallDispatch, dispatch.New(dispatchDeps)),
	)
	supervisor := jobs.NewSupervisor(db, queue, jobs.SupervisorConfig{
		Interval: cfg.Queue.ReplayInterval(),
		Lease:    cfg.Queue.Lease(),
		Orphans:  db,
	})

	turns := agent.NewTurnHandler(agent.TurnDependencies{
		Conversations: db,
		Tasks:         tasks,
		Calls:         db,
		Approvals:     approvals,
		Memories:      memories,
		LLM:           llmClient,
		Executor:      agent.NewExecutor(tasks, approvals, memories, center, recorder),
		Recorder:      recorder,
		Settings:      loader,
		Speech:        llmClient,
	})

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Tasks:         tasks,
		Approvals:     approvals,
		Calls:         db,
		StatusSync:    call.NewStatusSync(db, center),
		Inbound:       call.NewInbound(db, directory, center, cfg.Runtime.PublicBaseURL, call.WithInboundRecorder(recorder)),
		Conversations: conversation.NewService(db),
		Turns:         turns,
		Logs:          db,
		Notifications: center,
		Memories:      memories,
		Contacts:      directory,
		Settings:      loader,
		Stats: stats.NewService(db, func() *time.Location {
			return loader.Snapshot(context.Background()).Location()
		}),
		Transcripts: transcripts,
		TestCalls:   testCalls,
		Health:      health,
	}).WithTimeouts(
		time.Duration(cfg.Server.ReadHeaderTimeoutSecs)*time.Second,
		time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	components := map[string]func(context.Context) error{
		"processor":  processor.Start,
		"supervisor": supervisor.Run,
		"api":        server.Start,
	}
	errCh := make(chan error, len(components))
	for name, start := range components {
		go func() {
			err := start(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
				return
			}
			errCh <- nil
		}()
	}
	log.Info("errandd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
	)

	var firstErr error
	for range components {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			log.Error("组件异常退出", slog.Any("error", err))
		}
		cancel()
	}
	log.Info("errandd 已停止")
	return firstErr
}
