package api

import (
	"context"
	"net/url"

	"github.com/vmscope/console/internal/constants"
	"github.com/vmscope/console/internal/models"
)

// Info fetches the gateway's info document from the root endpoint. Health
// checks use it as a cheap reachability and protocol probe.
func (c *Client) Info(ctx context.Context) (constants.GatewayInfo, error) {
	var info constants.GatewayInfo
	if err := c.get(ctx, "info", c.baseURL+"/", &info); err != nil {
		return constants.GatewayInfo{}, err
	}
	return info, nil
}

// ListHosts fetches the hypervisor host inventory.
func (c *Client) ListHosts(ctx context.Context) ([]models.Host, error) {
	var resp models.HostList
	if err := c.get(ctx, "list_hosts", c.baseURL+"/api/hosts", &resp); err != nil {
		return nil, err
	}
	return resp.Hosts, nil
}

// ListVMs fetches the virtual machine inventory.
func (c *Client) ListVMs(ctx context.Context) ([]models.VM, error) {
	var resp models.VMList
	if err := c.get(ctx, "list_vms", c.baseURL+"/api/vms", &resp); err != nil {
		return nil, err
	}
	return resp.VMs, nil
}

// GetJob fetches the current record of one job.
func (c *Client) GetJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	if err := c.get(ctx, "get_job", c.baseURL+"/api/jobs/"+url.PathEscape(id), &job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// ListNotifications fetches the current notification feed. The endpoint
// returns the same shape the stream delivers as initial state.
func (c *Client) ListNotifications(ctx context.Context) ([]models.Notification, error) {
	var resp models.InitialState
	if err := c.get(ctx, "list_notifications", c.baseURL+"/api/notifications", &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// MarkNotificationRead acks one notification as read on the gateway.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.post(ctx, "mark_notification_read", c.baseURL+"/api/notifications/"+url.PathEscape(id)+"/read")
}
