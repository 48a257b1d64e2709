package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/api"
	"github.com/remote-exercises/ref-core/internal/config"
	"github.com/remote-exercises/ref-core/internal/docker"
	"github.com/remote-exercises/ref-core/internal/events"
	"github.com/remote-exercises/ref-core/internal/image"
	"github.com/remote-exercises/ref-core/internal/instance"
	"github.com/remote-exercises/ref-core/internal/lock"
	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/internal/metrics"
	"github.com/remote-exercises/ref-core/internal/overlay"
	"github.com/remote-exercises/ref-core/internal/provision"
	"github.com/remote-exercises/ref-core/internal/proxy"
	"github.com/remote-exercises/ref-core/internal/rabbitmq"
	"github.com/remote-exercises/ref-core/internal/reconcile"
	"github.com/remote-exercises/ref-core/internal/template"
	"github.com/remote-exercises/ref-core/pkg/constants"
	"github.com/remote-exercises/ref-core/repositories"
)

const usage = "usage: refd [serve | import <template-dir>]"

func main() {
	logger := logger.NewNamedLogger("main")
	defer func() {
		_ = logger.Sync()
	}()

	cfg := config.NewConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, closeEvents := newPublisher(cfg, logger)
	defer closeEvents()

	db, err := repositories.NewDatabase(cfg.DatabasePath)
	if err != nil {
		logger.Fatalf("Failed to open database: %s", err.Error())
	}
	repo := repositories.NewRepository(db)
	users := repositories.NewUserRepository(repo)
	templates := repositories.NewTemplateRepository(repo)
	instances := repositories.NewInstanceRepository(repo)
	submissions := repositories.NewSubmissionRepository(repo)

	dc, err := docker.NewDockerClient()
	if err != nil {
		logger.Fatalf("Failed to initialize Docker client: %s", err.Error())
	}
	copier := overlay.NewCopier()
	builder := image.NewBuilder(cfg.DockerResourcePrefix, dc, templates, publisher)

	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"serve"}
	}
	switch {
	case args[0] == "import" && len(args) == 2:
		if err := importTemplate(ctx, cfg, copier, templates, builder, args[1]); err != nil {
			logger.Fatalf("Import failed: %s", err.Error())
		}
		return
	case args[0] != "serve":
		logger.Fatal(usage)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	locker, err := lock.NewFromConfig(ctx, cfg.Lock)
	if err != nil {
		logger.Fatalf("Failed to initialize locker: %s", err.Error())
	}

	manager := instance.NewManager(
		instance.OptionsFromConfig(cfg),
		dc,
		overlay.NewManager(overlay.NewUnixMounter(), copier),
		instances,
		submissions,
		publisher,
	)
	provisioner := provision.NewService(users, templates, instances, manager, builder, locker, m)

	proxyServer := proxy.NewServer(proxy.OptionsFromConfig(cfg), manager, proxy.NewSocksTunneler(cfg.Proxy.ConnectTimeout), m)
	go func() {
		logger.Infof("Proxy listening [Addr: %s]", cfg.Proxy.ListenAddr)
		if err := proxyServer.ListenAndServe(ctx, cfg.Proxy.ListenAddr); err != nil {
			logger.Errorf("Proxy stopped: %s", err)
			stop()
		}
	}()

	reconciler := reconcile.NewReconciler(instances, manager, locker)
	if err := reconciler.Start(ctx, cfg.ReconcileInterval); err != nil {
		logger.Fatalf("Failed to start reconciler: %s", err.Error())
	}
	defer reconciler.Stop()

	verifier := api.NewTokenVerifier(cfg.SecretKey, constants.InstanceRequestMaxAge)
	srv := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           api.NewRouter(api.NewHandler(provisioner, proxyServer, dc, verifier), reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("API listening [Addr: %s]", cfg.API.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("API stopped: %s", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.CleanupTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Failed to shut down API: %s", err)
	}
	proxyServer.Wait()
	builder.Wait()
}

// newPublisher connects to RabbitMQ when lifecycle events are enabled. The
// returned func closes whatever was opened.
func newPublisher(cfg *config.Config, logger *zap.SugaredLogger) (events.Publisher, func()) {
	if !cfg.Events.Enabled {
		return events.NewNoopPublisher(), func() {}
	}

	conn, err := rabbitmq.NewRabbitMqConnection(cfg.Events.RabbitMQURL)
	if err != nil {
		logger.Fatalf("Failed to connect to RabbitMQ: %s", err.Error())
	}
	ch, err := rabbitmq.NewRabbitMQChannel(conn)
	if err != nil {
		logger.Fatalf("Failed to open RabbitMQ channel: %s", err.Error())
	}
	publisher, err := events.NewPublisher(ch, cfg.Events.QueueName)
	if err != nil {
		logger.Fatalf("Failed to initialize event publisher: %s", err.Error())
	}
	return publisher, func() {
		if err := ch.Close(); err != nil {
			logger.Errorf("Failed to close RabbitMQ channel: %s", err)
		}
		if err := conn.Close(); err != nil {
			logger.Errorf("Failed to close RabbitMQ connection: %s", err)
		}
	}
}

// importTemplate registers the template in dir and builds its images.
func importTemplate(
	ctx context.Context,
	cfg *config.Config,
	copier overlay.Copier,
	templates repositories.TemplateRepository,
	builder *image.Builder,
	dir string,
) error {
	logger := logger.NewNamedLogger("import")

	tmpl, err := template.NewImporter(cfg.TemplatesDir(), cfg.PersistenceDir(), copier, templates).Import(ctx, dir)
	if err != nil {
		return err
	}
	logger.Infof("Imported template [Template: %s]", tmpl)

	if err := builder.Build(ctx, tmpl); err != nil {
		return err
	}
	builder.Wait()

	built, err := templates.GetByID(ctx, tmpl.ID)
	if err != nil {
		return err
	}
	if built.BuildStatus != constants.BuildStatusFinished {
		return errors.New("build of " + tmpl.String() + " ended with status " + built.BuildStatus + ":\n" + built.BuildLog)
	}
	logger.Infof("Built template [Template: %s]", tmpl)
	return nil
}
