package simulator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/models"
)

// maxConcurrentJobs bounds the generator's in-flight synthetic jobs.
const maxConcurrentJobs = 4

// jobKinds are the long-running operations the generator fakes.
var jobKinds = []string{"vm.migrate", "vm.snapshot", "vm.clone", "vm.backup"}

// systemNotices are canned system-category feed entries.
var systemNotices = []models.Notification{
	{Severity: models.SeverityInfo, Title: "Backup window opened", Message: "Nightly backup window opened for cluster lab"},
	{Severity: models.SeverityInfo, Title: "Configuration reloaded", Message: "Gateway configuration reloaded without restart"},
	{Severity: models.SeverityWarning, Title: "Certificate expiring", Message: "The gateway TLS certificate expires in 13 days"},
	{Severity: models.SeverityError, Title: "Storage latency", Message: "Datastore ssd-pool-01 latency above threshold"},
}

// runActivity emits synthetic gateway traffic on the configured
// interval until ctx is cancelled.
func (s *Simulator) runActivity(ctx context.Context) {
	interval := s.cfg.Simulator.ActivityInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("activity generator started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emitActivity(ctx)
		}
	}
}

// emitActivity produces one burst of synthetic activity. Jobs dominate
// because they exercise the most of the wire contract.
func (s *Simulator) emitActivity(ctx context.Context) {
	for _, h := range s.store.Hosts() {
		s.store.TouchHost(h.ID)
	}

	switch rand.IntN(4) {
	case 0:
		s.emitSystemNotice()
	case 1:
		s.emitInventoryChurn()
	default:
		s.startJob(ctx)
	}
}

func (s *Simulator) emitSystemNotice() {
	n := systemNotices[rand.IntN(len(systemNotices))]
	n.Category = models.CategorySystem
	s.PublishNotification(n)
}

// emitInventoryChurn flips a random VM between running and stopped and
// reports it on the feed, giving the console's mirror something to
// react to.
func (s *Simulator) emitInventoryChurn() {
	vms := s.store.VMs()
	if len(vms) == 0 {
		return
	}
	vm := vms[rand.IntN(len(vms))]
	next := "running"
	if vm.State == "running" {
		next = "stopped"
	}
	updated, ok := s.store.SetVMState(vm.ID, next)
	if !ok {
		return
	}
	s.PublishNotification(models.Notification{
		Severity: models.SeverityInfo,
		Title:    "VM state changed",
		Message:  fmt.Sprintf("%s is now %s", updated.Name, updated.State),
		Category: models.CategoryInventory,
	})
}

// startJob creates a synthetic job against a random VM and walks it to
// completion in the background.
func (s *Simulator) startJob(ctx context.Context) {
	if int(s.activeJobs.Load()) >= maxConcurrentJobs {
		return
	}
	vms := s.store.VMs()
	if len(vms) == 0 {
		return
	}
	vm := vms[rand.IntN(len(vms))]

	job := models.Job{
		ID:        uuid.NewString(),
		Kind:      jobKinds[rand.IntN(len(jobKinds))],
		TargetID:  vm.ID,
		Status:    models.JobPending,
		CreatedAt: time.Now(),
	}
	s.store.PutJob(job)
	s.activeJobs.Add(1)
	s.publishJobStatus(job)
	go s.runJob(ctx, job, vm)
}

// runJob advances one job from pending to a terminal status, publishing
// progress and the occasional output line along the way.
func (s *Simulator) runJob(ctx context.Context, job models.Job, target models.VM) {
	defer s.activeJobs.Add(-1)

	step := s.cfg.Simulator.ActivityInterval / 5
	if step < 100*time.Millisecond {
		step = 100 * time.Millisecond
	}

	s.publishJobOutput(job.ID, fmt.Sprintf("%s: starting for %s", job.Kind, target.Name))

	for progress := 20; progress <= 80; progress += 20 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(step):
		}
		updated, ok := s.store.UpdateJob(job.ID, func(j *models.Job) {
			j.Status = models.JobRunning
			j.Progress = progress
		})
		if !ok {
			return
		}
		s.publishJobStatus(updated)
		if progress == 40 {
			s.publishJobOutput(job.ID, fmt.Sprintf("%s: %s checkpoint reached", job.Kind, target.Name))
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(step):
	}

	failed := rand.IntN(100) < 15
	final, ok := s.store.UpdateJob(job.ID, func(j *models.Job) {
		if failed {
			j.Status = models.JobFailed
			j.Error = "target unreachable"
			return
		}
		j.Status = models.JobSucceeded
		j.Progress = 100
	})
	if !ok {
		return
	}

	if final.Status == models.JobSucceeded && final.Kind == "vm.migrate" {
		if dst, ok := s.pickOtherHost(target.HostID); ok {
			s.store.MoveVM(target.ID, dst.ID)
		}
	}

	s.publishJobStatus(final)
	s.publishJobNotice(final, target)
}

func (s *Simulator) pickOtherHost(exclude string) (models.Host, bool) {
	hosts := s.store.Hosts()
	candidates := hosts[:0]
	for _, h := range hosts {
		if h.ID != exclude {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return models.Host{}, false
	}
	return candidates[rand.IntN(len(candidates))], true
}

// PublishNotification adds n to the feed and pushes it to every console
// subscribed to the notifications topic. Missing id and timestamp are
// filled in.
func (s *Simulator) PublishNotification(n models.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	s.store.AddNotification(n)

	env, err := notificationEnvelope(n, models.ActionCreated)
	if err != nil {
		s.logger.Error("failed to encode notification", zap.Error(err))
		return
	}
	reached := s.hub.broadcast(models.TopicNotifications, env)
	s.logger.Debug("notification published",
		zap.String("id", n.ID),
		zap.String("category", n.Category),
		zap.Int("consoles", reached))
}

func (s *Simulator) publishJobStatus(j models.Job) {
	env, err := jobStatusEnvelope(j)
	if err != nil {
		s.logger.Error("failed to encode job status", zap.Error(err))
		return
	}
	s.hub.broadcast(models.JobTopic(j.ID), env)
}

func (s *Simulator) publishJobOutput(jobID, line string) {
	env, err := jobOutputEnvelope(jobID, line)
	if err != nil {
		s.logger.Error("failed to encode job output", zap.Error(err))
		return
	}
	s.hub.broadcast(models.JobTopic(jobID), env)
}

// publishJobNotice reports a finished job on the notification feed.
func (s *Simulator) publishJobNotice(j models.Job, target models.VM) {
	n := models.Notification{
		Severity: models.SeverityInfo,
		Title:    fmt.Sprintf("%s finished", j.Kind),
		Message:  fmt.Sprintf("%s completed for %s", j.Kind, target.Name),
		Category: models.CategoryJob,
	}
	if j.Status == models.JobFailed {
		n.Severity = models.SeverityError
		n.Title = fmt.Sprintf("%s failed", j.Kind)
		n.Message = fmt.Sprintf("%s failed for %s: %s", j.Kind, target.Name, j.Error)
	}
	s.PublishNotification(n)
}
