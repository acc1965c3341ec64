package simulator

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vmscope/console/internal/api"
	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/constants"
	apperrors "github.com/vmscope/console/internal/errors"
	"github.com/vmscope/console/internal/models"
	"github.com/vmscope/console/internal/stream"
)

// consoleStreamConfig mirrors the console's stream settings with fast
// backoff so reconnects settle inside the test deadlines.
func consoleStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		BaseDelay:         20 * time.Millisecond,
		MaxDelay:          200 * time.Millisecond,
		GrowthFactor:      2,
		MaxAttempts:       20,
		KeepaliveInterval: time.Hour,
		HandshakeTimeout:  2 * time.Second,
		WriteTimeout:      2 * time.Second,
		InboundBuffer:     64,
		StatusBuffer:      16,
	}
}

func gatewayConfig(srv *httptest.Server) *config.GatewayConfig {
	return &config.GatewayConfig{
		URL:            srv.URL,
		WSPath:         "/api/ws",
		TokenPath:      "/api/ws/token",
		RequestTimeout: 2 * time.Second,
		MaxRetries:     0,
	}
}

func newTestStream(t *testing.T, wsURL string, opts ...stream.Option) *stream.Client {
	t.Helper()
	client := stream.New(consoleStreamConfig(), wsURL, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		client.Shutdown(ctx)
	})
	return client
}

func awaitStreamStatus(t *testing.T, feed <-chan stream.StatusUpdate, want stream.Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-feed:
			if u.Status == want {
				return
			}
		case <-deadline:
			t.Fatalf("status %v never arrived", want)
		}
	}
}

// publishUntilNotified republishes until the stream delivers a matching
// notification; the subscribe replay and the first publish race.
func publishUntilNotified(t *testing.T, sim *Simulator, ch <-chan models.Notification, message string) models.Notification {
	t.Helper()
	publish := func() {
		sim.PublishNotification(models.Notification{
			Message:  message,
			Category: models.CategorySystem,
		})
	}
	publish()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case n := <-ch:
			if n.Message == message {
				return n
			}
		case <-tick.C:
			publish()
		case <-deadline:
			t.Fatalf("notification %q never delivered", message)
		}
	}
}

func publishJobUntilSeen(t *testing.T, sim *Simulator, ch <-chan models.JobEvent, jobID, status string, progress int) models.JobEvent {
	t.Helper()
	publish := func() {
		job, ok := sim.store.UpdateJob(jobID, func(j *models.Job) {
			j.Status = status
			j.Progress = progress
		})
		if !ok {
			t.Fatalf("job %s missing from the store", jobID)
		}
		sim.publishJobStatus(job)
	}
	publish()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-ch:
			if ev.Status == status {
				return ev
			}
		case <-tick.C:
			publish()
		case <-deadline:
			t.Fatalf("job status %s never delivered", status)
		}
	}
}

func awaitTerminalJob(t *testing.T, ch <-chan models.JobEvent) models.JobEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Terminal() {
				return ev
			}
		case <-deadline:
			t.Fatal("terminal job event never delivered")
		}
	}
}

func TestGatewayClientReadsSimulator(t *testing.T) {
	_, srv := newTestSimulator(t, nil)
	gw := api.New(gatewayConfig(srv))
	ctx := context.Background()

	info, err := gw.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.ProtocolVersion != constants.ProtocolVersion {
		t.Fatalf("ProtocolVersion = %q, want %q", info.ProtocolVersion, constants.ProtocolVersion)
	}
	if info.AuthRequired {
		t.Fatal("info reports auth required with auth disabled")
	}

	hosts, err := gw.ListHosts(ctx)
	if err != nil {
		t.Fatalf("ListHosts() error = %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("len(hosts) = %d, want 2", len(hosts))
	}

	vms, err := gw.ListVMs(ctx)
	if err != nil {
		t.Fatalf("ListVMs() error = %v", err)
	}
	if len(vms) != 6 {
		t.Fatalf("len(vms) = %d, want 6", len(vms))
	}

	_, err = gw.GetJob(ctx, "ghost")
	if err == nil {
		t.Fatal("GetJob of unknown id succeeded")
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Type != apperrors.ErrorTypeNotFound {
		t.Fatalf("GetJob error = %v, want %v", err, apperrors.ErrorTypeNotFound)
	}

	notifs, err := gw.ListNotifications(ctx)
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(notifs) == 0 {
		t.Fatal("feed empty, want the seeded boot notice")
	}

	if err := gw.MarkNotificationRead(ctx, notifs[0].ID); err != nil {
		t.Fatalf("MarkNotificationRead() error = %v", err)
	}
	after, err := gw.ListNotifications(ctx)
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	var marked bool
	for _, n := range after {
		if n.ID == notifs[0].ID {
			marked = n.Read
		}
	}
	if !marked {
		t.Fatal("notification not flagged read after ack")
	}

	token, err := gw.StreamToken(ctx)
	if err != nil {
		t.Fatalf("StreamToken() error = %v", err)
	}
	if token != "" {
		t.Fatalf("StreamToken() = %q, want empty on an unauthenticated gateway", token)
	}
}

func TestConsoleStreamLifecycle(t *testing.T) {
	sim, srv := newTestSimulator(t, nil)
	client := newTestStream(t, wsEndpoint(srv, ""))

	notifs := make(chan models.Notification, 16)
	client.On(models.KindNotification, func(env models.Envelope) {
		if n, err := env.NotificationPayload(); err == nil {
			notifs <- n
		}
	})
	states := make(chan models.InitialState, 4)
	client.On(models.KindInitialState, func(env models.Envelope) {
		if s, err := env.InitialStatePayload(); err == nil {
			states <- s
		}
	})
	jobID := uuid.NewString()
	jobs := make(chan models.JobEvent, 16)
	client.OnJob(jobID, func(ev models.JobEvent) { jobs <- ev })

	client.Subscribe(models.TopicNotifications)

	feed, stop := client.StatusFeed()
	defer stop()

	client.Open()
	awaitStreamStatus(t, feed, stream.StatusConnected)

	select {
	case snap := <-states:
		if len(snap.Notifications) == 0 {
			t.Fatal("initial state carried no notifications")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("initial state never arrived")
	}

	if !client.Connected() {
		t.Fatal("Connected() = false after connected status")
	}
	if _, err := uuid.Parse(client.ClientID()); err != nil {
		t.Fatalf("ClientID() %q is not a uuid: %v", client.ClientID(), err)
	}

	n := publishUntilNotified(t, sim, notifs, "cluster rebalance complete")
	if n.ID == "" {
		t.Fatal("delivered notification has no id")
	}

	sim.store.PutJob(models.Job{
		ID:        jobID,
		Kind:      "vm.backup",
		Status:    models.JobPending,
		CreatedAt: time.Now(),
	})
	ev := publishJobUntilSeen(t, sim, jobs, jobID, models.JobRunning, 50)
	if ev.JobID != jobID {
		t.Fatalf("job_id = %s, want %s", ev.JobID, jobID)
	}
	if ev.Progress != 50 {
		t.Fatalf("progress = %d, want 50", ev.Progress)
	}

	// The job stream is proven live, so one terminal publish suffices.
	done, ok := sim.store.UpdateJob(jobID, func(j *models.Job) {
		j.Status = models.JobSucceeded
		j.Progress = 100
	})
	if !ok {
		t.Fatal("job vanished from the store")
	}
	sim.publishJobStatus(done)
	final := awaitTerminalJob(t, jobs)
	if final.Status != models.JobSucceeded {
		t.Fatalf("terminal status = %s, want %s", final.Status, models.JobSucceeded)
	}

	// A dropped gateway connection reconnects and replays subscriptions
	// without any help from the caller.
	sim.hub.closeAll()
	awaitStreamStatus(t, feed, stream.StatusReconnecting)
	awaitStreamStatus(t, feed, stream.StatusConnected)

	publishUntilNotified(t, sim, notifs, "back after reconnect")
}

func TestAuthenticatedConsoleConnects(t *testing.T) {
	sim, srv := newTestSimulator(t, withAuth)

	gwCfg := gatewayConfig(srv)
	gw := api.New(gwCfg)
	ctx := context.Background()

	info, err := gw.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if !info.AuthRequired {
		t.Fatal("info does not advertise auth")
	}

	token, err := gw.StreamToken(ctx)
	if err != nil {
		t.Fatalf("StreamToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("StreamToken() returned empty with auth enabled")
	}
	if err := sim.tokens.Verify(token); err != nil {
		t.Fatalf("fetched token failed verification: %v", err)
	}

	// The stream fetches its own token through the same source.
	client := newTestStream(t, gwCfg.SocketURL(), stream.WithTokenSource(gw))
	feed, stop := client.StatusFeed()
	defer stop()

	client.Open()
	awaitStreamStatus(t, feed, stream.StatusConnected)
	if _, err := uuid.Parse(client.ClientID()); err != nil {
		t.Fatalf("ClientID() %q is not a uuid: %v", client.ClientID(), err)
	}
}

// staticToken is a token source that always hands back the same string.
type staticToken string

func (s staticToken) StreamToken(context.Context) (string, error) {
	return string(s), nil
}

func TestForgedTokenReadsAsAuthFailure(t *testing.T) {
	_, srv := newTestSimulator(t, withAuth)

	client := newTestStream(t, wsEndpoint(srv, ""), stream.WithTokenSource(staticToken("forged")))
	feed, stop := client.StatusFeed()
	defer stop()

	client.Open()
	awaitStreamStatus(t, feed, stream.StatusAuthFailed)
}
