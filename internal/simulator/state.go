package simulator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vmscope/console/internal/models"
)

// maxFeedLength caps the notification feed so long-running simulators
// do not grow without bound. Oldest entries are evicted first.
const maxFeedLength = 100

// vmShapes gives seeded VMs some variety in size.
var vmShapes = []struct {
	vcpus    int
	memoryMB int64
}{
	{2, 4096},
	{4, 8192},
	{8, 16384},
	{16, 32768},
}

// store holds the simulator's in-memory fixtures: a host and VM
// inventory, the job table, and the notification feed. All access goes
// through its methods; callers get copies, never shared pointers.
type store struct {
	mu            sync.RWMutex
	hosts         map[string]*models.Host
	vms           map[string]*models.VM
	jobs          map[string]*models.Job
	notifications map[string]*models.Notification
	feed          []string // notification ids, oldest first
}

// newStore seeds a fixture inventory of hostCount hosts with vmsPerHost
// VMs each. Names are deterministic so repeated runs look alike; ids
// are fresh UUIDs like a real gateway would hand out.
func newStore(hostCount, vmsPerHost int) *store {
	s := &store{
		hosts:         make(map[string]*models.Host),
		vms:           make(map[string]*models.VM),
		jobs:          make(map[string]*models.Job),
		notifications: make(map[string]*models.Notification),
	}

	now := time.Now()
	for h := 0; h < hostCount; h++ {
		host := &models.Host{
			ID:       uuid.NewString(),
			Name:     fmt.Sprintf("hv-%02d", h+1),
			Address:  fmt.Sprintf("hv-%02d.lab:8006", h+1),
			State:    "online",
			CPUCores: 32,
			MemoryMB: 256 * 1024,
			VMCount:  vmsPerHost,
			LastSeen: now,
		}
		s.hosts[host.ID] = host

		for v := 0; v < vmsPerHost; v++ {
			shape := vmShapes[(h*vmsPerHost+v)%len(vmShapes)]
			vm := &models.VM{
				ID:       uuid.NewString(),
				HostID:   host.ID,
				Name:     fmt.Sprintf("vm-%02d-%02d", h+1, v+1),
				State:    "running",
				VCPUs:    shape.vcpus,
				MemoryMB: shape.memoryMB,
			}
			s.vms[vm.ID] = vm
		}
	}
	return s
}

// Hosts returns the inventory hosts sorted by name.
func (s *store) Hosts() []models.Host {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VMs returns the inventory VMs sorted by name.
func (s *store) VMs() []models.VM {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.VM, 0, len(s.vms))
	for _, vm := range s.vms {
		out = append(out, *vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetVMState flips a VM's state and returns the updated copy.
func (s *store) SetVMState(id, state string) (models.VM, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[id]
	if !ok {
		return models.VM{}, false
	}
	vm.State = state
	return *vm, true
}

// MoveVM reassigns a VM to another host, keeping both hosts' VM counts
// in step.
func (s *store) MoveVM(vmID, hostID string) (models.VM, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.vms[vmID]
	if !ok {
		return models.VM{}, false
	}
	dst, ok := s.hosts[hostID]
	if !ok || vm.HostID == hostID {
		return *vm, ok
	}
	if src, ok := s.hosts[vm.HostID]; ok {
		src.VMCount--
	}
	dst.VMCount++
	vm.HostID = hostID
	vm.State = "running"
	return *vm, true
}

// TouchHost refreshes a host's heartbeat timestamp.
func (s *store) TouchHost(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.hosts[id]; ok {
		h.LastSeen = time.Now()
	}
}

// Job returns one job by id.
func (s *store) Job(id string) (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return *j, true
}

// PutJob inserts or replaces a job record.
func (s *store) PutJob(j models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = &j
}

// UpdateJob applies fn to a job under the lock and returns the result.
func (s *store) UpdateJob(id string, fn func(*models.Job)) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	fn(j)
	j.UpdatedAt = time.Now()
	return *j, true
}

// AddNotification appends a notification to the feed, evicting the
// oldest entry once the feed is full.
func (s *store) AddNotification(n models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications[n.ID] = &n
	s.feed = append(s.feed, n.ID)
	for len(s.feed) > maxFeedLength {
		delete(s.notifications, s.feed[0])
		s.feed = s.feed[1:]
	}
}

// MarkRead flags a notification as read and returns the updated copy.
func (s *store) MarkRead(id string) (models.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return models.Notification{}, false
	}
	if !n.Read {
		n.Read = true
		n.UpdatedAt = time.Now()
	}
	return *n, true
}

// Snapshot returns the notification feed newest first, plus the unread
// count, in the shape pushed to a console right after it attaches.
func (s *store) Snapshot() models.InitialState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := models.InitialState{
		Notifications: make([]models.Notification, 0, len(s.feed)),
	}
	for i := len(s.feed) - 1; i >= 0; i-- {
		n := s.notifications[s.feed[i]]
		state.Notifications = append(state.Notifications, *n)
		if !n.Read {
			state.UnreadCount++
		}
	}
	return state
}
