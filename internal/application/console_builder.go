package application

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/api"
	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/domain"
	"github.com/vmscope/console/internal/health"
	"github.com/vmscope/console/internal/identity"
	"github.com/vmscope/console/internal/inventory"
	"github.com/vmscope/console/internal/jobs"
	"github.com/vmscope/console/internal/journal"
	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/notifications"
	"github.com/vmscope/console/internal/stream"
	"github.com/vmscope/console/internal/workers"
)

// ConsoleBuilder is used to incrementally construct a Console instance.
type ConsoleBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	instance *identity.Instance
	journal  domain.Journal
	gateway  *api.Client
	stream   *stream.Client
	pool     *workers.Pool

	inventory     *inventory.Mirror
	notifications *notifications.Feed
	jobs          *jobs.Tracker
	health        *health.HealthChecker
}

// NewConsoleBuilder creates a new ConsoleBuilder with its own cancelable context.
func NewConsoleBuilder(ctx context.Context, cfg *config.Config) *ConsoleBuilder {
	c, cancel := context.WithCancel(ctx)
	return &ConsoleBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// BuildIdentity loads or mints the persisted instance id and stamps it
// onto the root logger.
func (b *ConsoleBuilder) BuildIdentity() error {
	inst, err := identity.GetOrCreate(b.config.General.DataDir)
	if err != nil {
		b.cancel()
		return fmt.Errorf("failed to load instance identity: %w", err)
	}
	b.instance = inst

	// Rebuild the root logger so every later line carries the instance id.
	if err := logger.Init(
		logger.WithLevel(b.config.Logging.Level),
		logger.WithFormat(b.config.Logging.Format),
		logger.WithFile(b.config.Logging.FilePath),
		logger.WithVersion(config.Version),
		logger.WithInstance(inst.Short()),
		logger.WithRotation(b.config.Logging.MaxSize, b.config.Logging.MaxBackups, b.config.Logging.MaxAge),
	); err != nil {
		b.cancel()
		return fmt.Errorf("failed to reinitialize logger: %w", err)
	}

	logger.Info("Console identity loaded",
		zap.String("instance", inst.ID),
		zap.String("data_dir", b.config.General.DataDir))
	return nil
}

// BuildJournal opens the event journal. A disabled journal becomes a
// no-op sink and never touches the network.
func (b *ConsoleBuilder) BuildJournal() error {
	j, err := journal.Open(b.ctx, &b.config.Journal)
	if err != nil {
		b.cancel()
		return fmt.Errorf("failed to open journal: %w", err)
	}
	b.journal = j
	return nil
}

// BuildGateway constructs the gateway REST client.
func (b *ConsoleBuilder) BuildGateway() {
	b.gateway = api.New(&b.config.Gateway, api.WithLogger(logger.New("gateway")))
}

// BuildStream constructs the stream session. The instance id rides the
// dial request so the gateway can tell console instances apart.
func (b *ConsoleBuilder) BuildStream() {
	header := http.Header{}
	header.Set(identity.HeaderName, b.instance.ID)

	b.stream = stream.New(b.config.Stream, b.config.Gateway.SocketURL(),
		stream.WithTokenSource(b.gateway),
		stream.WithDialHeader(header),
		stream.WithLogger(logger.New("stream")),
	)
}

// BuildWorkers initializes the worker pool shared by the resync tasks.
func (b *ConsoleBuilder) BuildWorkers() {
	b.pool = workers.New(b.config.Inventory.Workers, b.config.Inventory.QueueSize)
}

// BuildFeatures wires the feature mirrors on top of the stream: the
// notification feed, the job tracker, and the inventory mirror when
// enabled.
func (b *ConsoleBuilder) BuildFeatures() {
	b.notifications = notifications.New(b.stream,
		notifications.WithGateway(b.gateway),
		notifications.WithJournal(b.journal),
	)
	b.jobs = jobs.New(b.stream,
		jobs.WithGateway(b.gateway),
		jobs.WithJournal(b.journal),
	)

	if b.config.Inventory.Enabled {
		b.inventory = inventory.New(&b.config.Inventory, b.gateway,
			inventory.WithStream(b.stream),
			inventory.WithPool(b.pool),
		)
	}
}

// BuildHealth assembles the health checker over the wired components.
// The no-op journal has no Ping and is left out of the probe set.
func (b *ConsoleBuilder) BuildHealth() {
	opts := []health.Option{
		health.WithInstance(b.instance.ID),
		health.WithStream(b.stream),
		health.WithGateway(b.gateway),
	}
	if j, ok := b.journal.(health.JournalInterface); ok {
		opts = append(opts, health.WithJournal(j))
	}
	if b.inventory != nil {
		// Three missed resyncs before the mirror reads as stale.
		opts = append(opts, health.WithInventory(b.inventory, 3*b.config.Inventory.ResyncInterval))
	}
	b.health = health.NewHealthChecker(logger.New("console"), config.Version, opts...)
}

// Build finalizes the console construction.
func (b *ConsoleBuilder) Build() (*Console, error) {
	// Validate required components
	if b.instance == nil {
		return nil, fmt.Errorf("identity must be built before calling Build()")
	}
	if b.journal == nil {
		return nil, fmt.Errorf("journal must be built before calling Build()")
	}
	if b.gateway == nil {
		return nil, fmt.Errorf("gateway client must be built before calling Build()")
	}
	if b.stream == nil {
		return nil, fmt.Errorf("stream session must be built before calling Build()")
	}
	if b.pool == nil {
		return nil, fmt.Errorf("worker pool must be built before calling Build()")
	}
	if b.notifications == nil {
		return nil, fmt.Errorf("notification feed must be built before calling Build()")
	}
	if b.jobs == nil {
		return nil, fmt.Errorf("job tracker must be built before calling Build()")
	}
	if b.health == nil {
		return nil, fmt.Errorf("health checker must be built before calling Build()")
	}

	console := &Console{
		ctx:      b.ctx,
		cancel:   b.cancel,
		config:   b.config,
		instance: b.instance,

		gateway: b.gateway,
		stream:  b.stream,
		journal: b.journal,

		WorkerPool:    b.pool,
		Inventory:     b.inventory,
		Notifications: b.notifications,
		Jobs:          b.jobs,

		health:    b.health,
		startTime: time.Now(),
	}

	logger.Debug("Console initialized successfully via builder")
	return console, nil
}
