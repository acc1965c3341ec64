// Package inventory keeps a local mirror of the gateway's host and VM
// inventory. The mirror refreshes through the gateway REST endpoints;
// refreshes are triggered by inventory notifications, by every stream
// attach, and by a periodic resync ticker, and are coalesced so at most one
// runs at a time.
package inventory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/domain"
	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/models"
	"github.com/vmscope/console/internal/workers"
)

const refreshTimeout = 30 * time.Second

// Mirror is the local inventory copy.
type Mirror struct {
	gateway domain.GatewayAPI
	stream  domain.EventStream
	pool    *workers.Pool
	ownPool bool
	log     *zap.Logger

	resyncInterval time.Duration

	mu       sync.RWMutex
	hosts    map[string]models.Host
	vms      map[string]models.VM
	lastSync time.Time
	lastErr  error

	refreshing atomic.Bool

	lNotif  domain.ListenerID
	lAttach domain.ListenerID

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithStream attaches the mirror to the event stream so inventory
// notifications and fresh attaches trigger refreshes.
func WithStream(stream domain.EventStream) Option {
	return func(m *Mirror) {
		m.stream = stream
	}
}

// WithPool runs refreshes on a shared worker pool instead of an internal
// one.
func WithPool(pool *workers.Pool) Option {
	return func(m *Mirror) {
		m.pool = pool
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Mirror) {
		m.log = log
	}
}

// New builds the mirror. Call Start to begin refreshing.
func New(cfg *config.InventoryConfig, gateway domain.GatewayAPI, opts ...Option) *Mirror {
	m := &Mirror{
		gateway:        gateway,
		resyncInterval: cfg.ResyncInterval,
		hosts:          make(map[string]models.Host),
		vms:            make(map[string]models.VM),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.New("inventory")
	}
	if m.pool == nil {
		m.pool = workers.New(cfg.Workers, cfg.QueueSize)
		m.ownPool = true
	}
	return m
}

// Start seeds the mirror and begins the resync loop. When a stream is
// attached, inventory-flavoured notifications and every connection attach
// also trigger a refresh, so churn missed while disconnected is picked up.
func (m *Mirror) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	if m.stream != nil {
		m.stream.Subscribe(models.TopicNotifications)
		m.lNotif = m.stream.On(models.KindNotification, m.handleNotification)
		m.lAttach = m.stream.On(models.KindConnection, func(models.Envelope) {
			m.RequestRefresh()
		})
	}

	m.RequestRefresh()
	go m.resyncLoop(ctx)
}

// Stop detaches the mirror and waits for the resync loop to exit.
func (m *Mirror) Stop() {
	if m.cancel == nil {
		return
	}
	if m.stream != nil {
		m.stream.Off(models.KindNotification, m.lNotif)
		m.stream.Off(models.KindConnection, m.lAttach)
		m.stream.Unsubscribe(models.TopicNotifications)
	}
	m.cancel()
	<-m.done
	if m.ownPool {
		m.pool.Stop()
	}
}

// RequestRefresh queues a refresh unless one is already queued or running.
func (m *Mirror) RequestRefresh() {
	if !m.refreshing.CompareAndSwap(false, true) {
		return
	}
	if !m.pool.Submit(m.refresh) {
		m.refreshing.Store(false)
		m.log.Warn("Refresh dropped, worker queue full")
	}
}

// Hosts returns the mirrored hosts sorted by name.
func (m *Mirror) Hosts() []models.Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VMs returns the mirrored VMs sorted by name.
func (m *Mirror) VMs() []models.VM {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.VM, 0, len(m.vms))
	for _, vm := range m.vms {
		out = append(out, vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VMsOnHost returns the mirrored VMs placed on one host, sorted by name.
func (m *Mirror) VMsOnHost(hostID string) []models.VM {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.VM
	for _, vm := range m.vms {
		if vm.HostID == hostID {
			out = append(out, vm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Host returns one mirrored host.
func (m *Mirror) Host(id string) (models.Host, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hosts[id]
	return h, ok
}

// VM returns one mirrored VM.
func (m *Mirror) VM(id string) (models.VM, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vm, ok := m.vms[id]
	return vm, ok
}

// LastSync returns when the mirror last refreshed successfully.
func (m *Mirror) LastSync() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSync
}

// LastError returns the error of the most recent refresh attempt, nil
// after a success.
func (m *Mirror) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Stale reports whether the last successful refresh is older than maxAge.
// A mirror that has never synced is stale.
func (m *Mirror) Stale(maxAge time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastSync.IsZero() {
		return true
	}
	return time.Since(m.lastSync) > maxAge
}

func (m *Mirror) handleNotification(env models.Envelope) {
	n, err := env.NotificationPayload()
	if err != nil {
		return
	}
	if n.Category == models.CategoryInventory {
		m.RequestRefresh()
	}
}

func (m *Mirror) resyncLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RequestRefresh()
		}
	}
}

// refresh pulls both inventories and swaps the mirror in one step. On
// failure the stale mirror stays; health sees the error and the sync age.
func (m *Mirror) refresh() {
	defer m.refreshing.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	hosts, err := m.gateway.ListHosts(ctx)
	if err != nil {
		m.noteFailure("hosts", err)
		return
	}
	vms, err := m.gateway.ListVMs(ctx)
	if err != nil {
		m.noteFailure("vms", err)
		return
	}

	hostMap := make(map[string]models.Host, len(hosts))
	for _, h := range hosts {
		hostMap[h.ID] = h
	}
	vmMap := make(map[string]models.VM, len(vms))
	for _, vm := range vms {
		vmMap[vm.ID] = vm
	}

	m.mu.Lock()
	m.hosts = hostMap
	m.vms = vmMap
	m.lastSync = time.Now()
	m.lastErr = nil
	m.mu.Unlock()

	m.log.Debug("Inventory refreshed",
		zap.Int("hosts", len(hosts)),
		zap.Int("vms", len(vms)))
}

func (m *Mirror) noteFailure(what string, err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.log.Warn("Inventory refresh failed",
		zap.String("endpoint", what),
		zap.Error(err))
}
