package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/parkride/internal/auth"
	"github.com/hitoshi/parkride/internal/cache"
	"github.com/hitoshi/parkride/internal/config"
	"github.com/hitoshi/parkride/internal/database"
	"github.com/hitoshi/parkride/internal/events"
	"github.com/hitoshi/parkride/internal/handler"
	"github.com/hitoshi/parkride/internal/logger"
	"github.com/hitoshi/parkride/internal/metrics"
	"github.com/hitoshi/parkride/internal/middleware"
	"github.com/hitoshi/parkride/internal/monitoring"
	"github.com/hitoshi/parkride/internal/notification"
	"github.com/hitoshi/parkride/internal/parking"
	"github.com/hitoshi/parkride/internal/payment"
	"github.com/hitoshi/parkride/internal/realtime"
	"github.com/hitoshi/parkride/internal/repository"
	"github.com/hitoshi/parkride/internal/ride"
	"github.com/hitoshi/parkride/internal/security"
	"github.com/hitoshi/parkride/internal/sensor"
	"github.com/hitoshi/parkride/internal/telemetry"
	"github.com/hitoshi/parkride/internal/user"
	"github.com/hitoshi/parkride/internal/worker/cleanup"
	"github.com/hitoshi/parkride/internal/worker/reminder"
)

const (
	serviceName = "parkride"
	// reminderConcurrency はリマインド送信の最大並列数。
	reminderConcurrency = 10
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映して再設定
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("storage_driver", cfg.StorageDriver),
		slog.String("environment", cfg.Environment),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return fmt.Errorf("unsupported command %q", cmd)
	}
}

// components はserveとworkerで共通に使う依存関係。
type components struct {
	repos     *repository.Repositories
	cache     cache.Cache
	redis     *cache.RedisCache
	sanitizer security.TextSanitizer

	closers []func() error
}

// close は開いたリソースを逆順に解放する。
func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			slog.Warn("failed to close resource", slog.String("error", err.Error()))
		}
	}
}

// openComponents はストレージとキャッシュを開く。
// STORAGE_DRIVER=memory の場合はDBに接続しない。
func openComponents(cfg *config.Config) (*components, error) {
	c := &components{sanitizer: security.NewTextSanitizer()}

	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		slog.Warn("メモリストレージで起動します。データはプロセス終了時に失われます")
		c.repos = repository.NewMemoryRepositories(repository.NewMemoryStore())
	default:
		db, err := openDatabase(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, db.Close)
		c.repos = repository.NewPostgresRepositories(db)
	}

	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("failed to open redis cache: %w", err)
		}
		c.closers = append(c.closers, rc.Close)
		c.redis = rc
		c.cache = rc
		slog.Info("redis cache enabled", slog.Duration("ttl", cfg.CacheTTL))
	} else {
		c.cache = cache.NopCache{}
	}

	return c, nil
}

func openDatabase(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// cachePinger はモニタリング用のキャッシュを返す。Redis未設定ならnil。
func (c *components) cachePinger() monitoring.CachePinger {
	if c.redis == nil {
		return nil
	}
	return c.redis
}

// newMetrics はプロセス専用のレジストリとCollectorを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// services はドメインサービス一式。
type services struct {
	auth         *auth.Service
	parking      *parking.Service
	ride         *ride.Service
	payment      *payment.Service
	notification *notification.Service
	user         *user.Service
}

func newServices(cfg *config.Config, c *components, pub events.Publisher, m metrics.MetricsCollector) *services {
	repos := c.repos
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL)

	parkingSvc := parking.NewService(parking.Repositories{
		Slots:        repos.Slots,
		Reservations: repos.Reservations,
		Payments:     repos.Payments,
		Users:        repos.Users,
	}, c.cache, pub, m, c.sanitizer, parking.Config{
		Location:     cfg.PricingLocation,
		RefundWindow: cfg.CancellationRefundWindow,
	})

	return &services{
		auth:         auth.NewService(repos.Users, repos.Sessions, tokens, pub, c.sanitizer),
		parking:      parkingSvc,
		ride:         ride.NewService(repos.Rides, repos.Users, nil, pub, m, c.sanitizer, cfg.PricingLocation),
		payment:      payment.NewService(repos.Payments, repos.Users, pub, m, cfg.PricingLocation),
		notification: notification.NewService(repos.Notifications, repos.Users, pub),
		user:         user.NewService(repos.Users, repos.Sessions, parkingSvc, c.sanitizer),
	}
}

// switchPublisher は起動時に配送先が決まるPublisher。
// サービス生成後にAMQPBusまたはLocalBusを差し込む。
type switchPublisher struct {
	mu     sync.RWMutex
	target events.Publisher
}

func (p *switchPublisher) set(target events.Publisher) {
	p.mu.Lock()
	p.target = target
	p.mu.Unlock()
}

func (p *switchPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.RLock()
	target := p.target
	p.mu.RUnlock()
	if target == nil {
		return errors.New("event publisher is not configured")
	}
	return target.Publish(ctx, e)
}

// runServe はAPIサーバーモードで起動する。
// ストレージを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. トレーシング
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.Environment, cfg.OTelEndpoint)
	if err != nil {
		slog.Warn("tracing disabled", slog.String("error", err.Error()))
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	// 2. ストレージとキャッシュ
	c, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	// 3. メトリクス
	reg, m := newMetrics()

	// 4. ドメインサービス
	pub := &switchPublisher{}
	svc := newServices(cfg, c, pub, m)
	hub := realtime.NewHub(m)

	// 5. イベント配送
	// AMQP未設定時は同一プロセス内で通知作成とWebSocket中継を行う。
	// AMQP設定時は通知作成をworkerに任せ、serveは中継のみ購読する。
	if cfg.AMQPURL == "" {
		bus := events.NewLocalBus(m)
		bus.Subscribe(svc.notification.Handle)
		bus.Subscribe(hub.Relay)
		pub.set(bus)
		slog.Info("in-process event bus enabled")
	} else {
		bus, err := events.DialAMQP(ctx, cfg.AMQPURL, cfg.AMQPExchange, slog.Default(), m)
		if err != nil {
			return fmt.Errorf("failed to connect to amqp: %w", err)
		}
		defer bus.Close()
		pub.set(bus)

		go func() {
			if err := bus.Consume(ctx, events.ExclusiveQueue(realtime.RelayKeys()...), hub.Relay); err != nil {
				slog.Error("realtime relay consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitBooking),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Authenticator:     svc.auth,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              cfg.Environment == "production",
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Metrics:           m,

		Monitoring:     monitoring.NewHandler(c.repos.Pinger, c.cachePinger(), cfg.Environment),
		MetricsHandler: metrics.Handler(reg),
		Realtime:       realtime.NewHandler(hub, svc.auth, cfg.CORSAllowedOrigin),

		AuthService:         svc.auth,
		ParkingService:      svc.parking,
		RideService:         svc.ride,
		PaymentService:      svc.payment,
		NotificationService: svc.notification,
		UserService:         svc.user,
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// no-show失効・期限切れデータ削除のクリーンアップジョブ、予約リマインド、
// センサーキューの購読、AMQP経由の通知作成を実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName+"-worker", cfg.Environment, cfg.OTelEndpoint)
	if err != nil {
		slog.Warn("tracing disabled", slog.String("error", err.Error()))
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	// 1. ストレージとキャッシュ
	c, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	if cfg.StorageDriver == config.StorageDriverMemory {
		slog.Warn("メモリストレージのworkerはserveとデータを共有しません")
	}

	reg, m := newMetrics()

	// 2. ドメインサービスとイベント配送
	pub := &switchPublisher{}
	svc := newServices(cfg, c, pub, m)

	var amqpBus *events.AMQPBus
	if cfg.AMQPURL == "" {
		bus := events.NewLocalBus(m)
		bus.Subscribe(svc.notification.Handle)
		pub.set(bus)
	} else {
		amqpBus, err = events.DialAMQP(ctx, cfg.AMQPURL, cfg.AMQPExchange, slog.Default(), m)
		if err != nil {
			return fmt.Errorf("failed to connect to amqp: %w", err)
		}
		defer amqpBus.Close()
		pub.set(amqpBus)
	}

	// 3. ジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(svc.parking, c.repos.Sessions, svc.notification, m, slog.Default())
	cleanupJob.NoShowGrace = cfg.NoShowGrace
	cleanupJob.RetentionDays = cfg.NotificationRetentionDays

	scheduler := reminder.NewScheduler(
		c.repos.Reservations, svc.parking, m, slog.Default(), cfg.ReminderLead, reminderConcurrency,
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("interval", cfg.WorkerInterval),
		slog.Duration("reminder_lead", cfg.ReminderLead),
		slog.Duration("no_show_grace", cfg.NoShowGrace),
	)

	var wg sync.WaitGroup

	// AMQP経由のイベントから通知を作成
	if amqpBus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := amqpBus.Consume(ctx, events.SharedQueue(events.NotificationQueue, "#"), svc.notification.Handle); err != nil {
				slog.Error("notification consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// センサーキューの購読
	if cfg.SensorQueueURL != "" {
		sqsClient, err := sensor.NewSQSClient(ctx, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
		consumer := sensor.NewConsumer(sqsClient, cfg.SensorQueueURL, svc.parking, m, slog.Default())
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx)
		}()
	}

	// メトリクスとヘルスチェックの公開（Dockerのhealthcheckサブコマンドが/healthを叩く）
	health := monitoring.NewHandler(c.repos.Pinger, c.cachePinger(), cfg.Environment)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(reg, http.HandlerFunc(health.Health)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	// クリーンアップジョブをバックグラウンドで実行
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleanupJob.Start(ctx, cfg.WorkerInterval)
	}()

	// リマインドスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.WorkerInterval)

	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StorageDriver == config.StorageDriverMemory {
		slog.Info("memory storage has no migrations to run")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	healthURL := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。ユーザー名とホストは残す。
// URLとして解釈できない接続文字列（key=value形式など）は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "***"
	}
	if q := u.Query(); q.Has("password") {
		q.Set("password", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}
