package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/taskflow-core/taskflow/internal/admin"
	"github.com/taskflow-core/taskflow/internal/dispatch"
	"github.com/taskflow-core/taskflow/internal/flow"
	"github.com/taskflow-core/taskflow/internal/job"
	"github.com/taskflow-core/taskflow/internal/journal"
	"github.com/taskflow-core/taskflow/internal/platform/config"
	"github.com/taskflow-core/taskflow/internal/platform/container"
	"github.com/taskflow-core/taskflow/internal/platform/health"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/platform/metrics"
	"github.com/taskflow-core/taskflow/internal/platform/telemetry"
	"github.com/taskflow-core/taskflow/internal/queue"
	"github.com/taskflow-core/taskflow/internal/schedule"
	"github.com/taskflow-core/taskflow/internal/store/blobstore"
	"github.com/taskflow-core/taskflow/internal/store/docstore"
	"github.com/taskflow-core/taskflow/internal/store/graphstore"
	"github.com/taskflow-core/taskflow/internal/store/kvstore"
	"github.com/taskflow-core/taskflow/internal/store/schedulestore"
)

const pollInterval = 500 * time.Millisecond

func main() {
	cfg, err := config.Load("taskflowd")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("starting taskflowd", "version", cfg.Version, "port", cfg.HTTP.Port)

	tel, err := telemetry.New(telemetry.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Version,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err)
	}
	defer tel.Close()

	met := metrics.New("taskflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := container.NewApp()
	app.AddProvider(&storeProvider{cfg: cfg, log: log, met: met})
	app.AddProvider(&coreProvider{cfg: cfg, log: log, met: met, tel: tel})
	app.AddProvider(&adminProvider{cfg: cfg, log: log, met: met, tel: tel})
	if err := app.Boot(ctx); err != nil {
		log.Fatal("failed to boot", "error", err)
	}
	c := app.Container()

	manager := c.MustGet(container.ServiceJobManager).(*job.JobManager)
	dispatcher := c.MustGet(container.ServiceDispatcher).(*dispatch.Dispatcher)
	flows := c.MustGet(container.ServiceWorkflowManager).(*flow.Manager)
	scheduler := c.MustGet(container.ServiceScheduler).(*schedule.Scheduler)
	srv := c.MustGet(container.ServiceAdminServer).(*admin.Server)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("admin server error", "error", err)
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	<-scheduler.Stop().Done()
	if ds, err := c.Get(container.ServiceDocStore); err == nil {
		snapshots := docstore.NewSnapshotStore(ds.(*docstore.Store), "workflow_snapshots")
		if err := flows.Persist(shutdownCtx, snapshots); err != nil {
			log.Error("workflow snapshot persist failed", "error", err)
		}
	}
	archiveWorkflowReport(shutdownCtx, c, flows, log)
	if err := dispatcher.Terminate(shutdownCtx); err != nil {
		log.Error("dispatcher terminate failed", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("admin server shutdown failed", "error", err)
	}
	cancel()
	if !manager.Join(10 * time.Second) {
		log.Warn("job manager did not drain in time")
	}
	log.Info("taskflowd stopped")
}

// storeProvider registers the backing stores as lazy factories, so
// each backend is only dialed when something actually depends on it.
type storeProvider struct {
	cfg *config.Config
	log logger.Logger
	met *metrics.Metrics
}

func (p *storeProvider) Register(c *container.ServiceContainer) error {
	cfg, log, met := p.cfg, p.log, p.met

	c.RegisterFactory(container.ServiceKVStore, func(c *container.ServiceContainer) (interface{}, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB + 1,
		})
		store := kvstore.New(client, "taskflow", log)
		store.SetMetrics(met)
		return store, nil
	})

	c.RegisterFactory(container.ServiceDocStore, func(c *container.ServiceContainer) (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("dial mongo: %w", err)
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		return docstore.New(client, cfg.Mongo.Database, log), nil
	})

	c.RegisterFactory(container.ServiceBlobStore, func(c *container.ServiceContainer) (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
		if cfg.S3.AccessKeyID != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}

		var clientOpts []func(*s3.Options)
		if cfg.S3.Endpoint != "" {
			clientOpts = append(clientOpts, func(o *s3.Options) {
				o.BaseEndpoint = &cfg.S3.Endpoint
				o.UsePathStyle = true
			})
		}
		client := s3.NewFromConfig(awsCfg, clientOpts...)

		var sealer *blobstore.Sealer
		if cfg.S3.SealKey != "" {
			sealCfg := blobstore.DefaultSealConfig()
			sealCfg.Key = cfg.S3.SealKey
			sealer, err = blobstore.NewSealer(sealCfg)
			if err != nil {
				return nil, fmt.Errorf("build blob sealer: %w", err)
			}
		}
		return blobstore.New(client, cfg.S3.Bucket, sealer, log), nil
	})

	c.RegisterFactory(container.ServiceGraphStore, func(c *container.ServiceContainer) (interface{}, error) {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URI, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
		if err != nil {
			return nil, fmt.Errorf("dial neo4j: %w", err)
		}
		return graphstore.New(driver, log), nil
	})

	c.RegisterFactory(container.ServiceScheduleStore, func(c *container.ServiceContainer) (interface{}, error) {
		return schedulestore.Open(cfg.Database)
	})

	c.RegisterFactory(container.ServiceJournal, func(c *container.ServiceContainer) (interface{}, error) {
		store, err := c.Get(container.ServiceKVStore)
		if err != nil {
			return nil, err
		}
		return journal.New(store.(*kvstore.Store), log), nil
	})

	return nil
}

func (p *storeProvider) Boot(ctx context.Context, c *container.ServiceContainer) error {
	return nil
}

// coreProvider registers the orchestration core and, on boot, starts
// the worker pool, dispatch loop and workflow poll loop.
type coreProvider struct {
	cfg *config.Config
	log logger.Logger
	met *metrics.Metrics
	tel *telemetry.Telemetry
}

func (p *coreProvider) Register(c *container.ServiceContainer) error {
	cfg, log, met := p.cfg, p.log, p.met

	c.Register(container.ServiceEventHub, admin.NewHub(log))

	c.RegisterFactory(container.ServiceJobManager, func(c *container.ServiceContainer) (interface{}, error) {
		return job.New(cfg.Pool.Workers, log, met), nil
	})

	c.RegisterFactory(container.ServiceTaskQueue, func(c *container.ServiceContainer) (interface{}, error) {
		switch cfg.Queue.Backend {
		case "redis":
			client := redis.NewClient(&redis.Options{
				Addr:         cfg.Redis.Addr(),
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				PoolSize:     cfg.Redis.PoolSize,
				MinIdleConns: cfg.Redis.MinIdleConns,
				DialTimeout:  cfg.Redis.DialTimeout,
				ReadTimeout:  cfg.Redis.ReadTimeout,
				WriteTimeout: cfg.Redis.WriteTimeout,
			})
			q := queue.NewRedisQueue(client, queue.NewCodec(), cfg.Queue.QueueName, log)
			q.SetMetrics(met)
			return q, nil
		case "kafka":
			return queue.NewKafkaQueue(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ConsumerGroup, queue.NewCodec(), log)
		default:
			return queue.NewMemoryQueue(), nil
		}
	})

	c.RegisterFactory(container.ServiceDispatcher, func(c *container.ServiceContainer) (interface{}, error) {
		q := c.MustGet(container.ServiceTaskQueue).(queue.TaskQueue)
		manager := c.MustGet(container.ServiceJobManager).(*job.JobManager)
		return dispatch.New(q, manager, log, met), nil
	})

	c.RegisterFactory(container.ServiceWorkflowManager, func(c *container.ServiceContainer) (interface{}, error) {
		return flow.NewManager(0, log, met), nil
	})

	return nil
}

func (p *coreProvider) Boot(ctx context.Context, c *container.ServiceContainer) error {
	manager := c.MustGet(container.ServiceJobManager).(*job.JobManager)
	dispatcher := c.MustGet(container.ServiceDispatcher).(*dispatch.Dispatcher)
	flows := c.MustGet(container.ServiceWorkflowManager).(*flow.Manager)
	hub := c.MustGet(container.ServiceEventHub).(*admin.Hub)

	dispatcher.SetTelemetry(p.tel)
	flows.SetTelemetry(p.tel)

	flows.Register(dispatcher)
	flows.AddEventSink(hub)
	if gs, err := c.Get(container.ServiceGraphStore); err == nil {
		flows.AddEventSink(graphstore.NewStepRecorder(gs.(*graphstore.Store), p.log))
	} else {
		p.log.Warn("graph store unavailable, step lineage is not recorded", "error", err)
	}

	hook := hub.TaskDispatched
	if j, err := c.Get(container.ServiceJournal); err == nil {
		jrnl := j.(*journal.Journal)
		hook = func(taskID uuid.UUID, taskType string) {
			hub.TaskDispatched(taskID, taskType)
			jrnl.RecordDispatch(taskID, taskType)
		}
	} else {
		p.log.Warn("dispatch journal unavailable", "error", err)
	}
	dispatcher.SetDispatchHook(hook)

	manager.Start(ctx)
	dispatcher.Start(ctx)
	go flows.Run(ctx, pollInterval)
	return nil
}

// adminProvider registers the scheduler and the admin surface and, on
// boot, starts the scheduler.
type adminProvider struct {
	cfg *config.Config
	log logger.Logger
	met *metrics.Metrics
	tel *telemetry.Telemetry
}

func (p *adminProvider) Register(c *container.ServiceContainer) error {
	cfg, log, met := p.cfg, p.log, p.met

	c.RegisterFactory(container.ServiceScheduler, func(c *container.ServiceContainer) (interface{}, error) {
		var repo schedule.Repository
		if store, err := c.Get(container.ServiceScheduleStore); err == nil {
			repo = store.(*schedulestore.Store)
		} else {
			log.Warn("schedule store unavailable, schedules are in-memory only", "error", err)
		}
		return schedule.New(repo, log), nil
	})

	c.RegisterFactory(container.ServiceAdminServer, func(c *container.ServiceContainer) (interface{}, error) {
		manager := c.MustGet(container.ServiceJobManager).(*job.JobManager)
		dispatcher := c.MustGet(container.ServiceDispatcher).(*dispatch.Dispatcher)

		h := health.NewHandler(cfg.Service.Name, cfg.Version)
		h.AddCheck("workers", health.WorkerPoolChecker(manager.WorkerCount))
		h.AddCheck("dispatcher", health.DispatcherChecker(dispatcher.IsExited))
		h.AddCheck("host", health.HostResourceChecker(health.DefaultHostThresholds()))

		opts := []admin.Option{
			admin.WithConfig(cfg),
			admin.WithLogger(log),
			admin.WithHub(c.MustGet(container.ServiceEventHub).(*admin.Hub)),
			admin.WithFlowManager(c.MustGet(container.ServiceWorkflowManager).(*flow.Manager)),
			admin.WithScheduler(c.MustGet(container.ServiceScheduler).(*schedule.Scheduler)),
			admin.WithServiceHealth(c.CheckHealth),
			admin.WithHealth(h),
			admin.WithMetricsHandler(p.tel.MetricsHandler()),
			admin.WithMetrics(met),
		}
		if j, err := c.Get(container.ServiceJournal); err == nil {
			opts = append(opts, admin.WithJournal(j.(*journal.Journal)))
		}
		return admin.New(opts...)
	})

	return nil
}

func (p *adminProvider) Boot(ctx context.Context, c *container.ServiceContainer) error {
	scheduler := c.MustGet(container.ServiceScheduler).(*schedule.Scheduler)
	return scheduler.Start(ctx)
}

// archiveWorkflowReport writes a final JSON report of every workflow's
// step states to the blob store, when one is configured.
func archiveWorkflowReport(ctx context.Context, c *container.ServiceContainer, flows *flow.Manager, log logger.Logger) {
	bs, err := c.Get(container.ServiceBlobStore)
	if err != nil {
		return
	}

	type stepReport struct {
		Name          string `json:"name"`
		State         string `json:"state"`
		FailureReason string `json:"failure_reason,omitempty"`
	}
	type workflowReport struct {
		ID    string       `json:"id"`
		Done  bool         `json:"done"`
		Steps []stepReport `json:"steps"`
	}

	var report []workflowReport
	for _, w := range flows.Workflows() {
		wr := workflowReport{ID: w.ID().String(), Done: w.IsDone()}
		for _, step := range w.Steps() {
			wr.Steps = append(wr.Steps, stepReport{
				Name:          step.Name(),
				State:         string(step.State()),
				FailureReason: step.FailureReason(),
			})
		}
		report = append(report, wr)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Error("failed to marshal workflow report", "error", err)
		return
	}

	name := fmt.Sprintf("workflow-report-%s.json", time.Now().UTC().Format("20060102T150405Z"))
	if _, err := bs.(*blobstore.Store).Store(ctx, name, data); err != nil {
		log.Warn("workflow report archive failed", "blob", name, "error", err)
		return
	}
	log.Info("workflow report archived", "blob", name)
}
