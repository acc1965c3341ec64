package simulator

import (
	"encoding/json"
	"fmt"

	"github.com/vmscope/console/internal/models"
)

// Gateway-side envelope builders. The models package owns the console's
// outbound shapes; these are the frames the simulator pushes back.

func connectionEnvelope(clientID string) models.Envelope {
	return models.Envelope{Type: models.KindConnection, ClientID: clientID}
}

func initialStateEnvelope(state models.InitialState) (models.Envelope, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("encode initial state: %w", err)
	}
	return models.Envelope{Type: models.KindInitialState, Data: data}, nil
}

func notificationEnvelope(n models.Notification, action string) (models.Envelope, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("encode notification: %w", err)
	}
	return models.Envelope{Type: models.KindNotification, Action: action, Data: data}, nil
}

func jobStatusEnvelope(j models.Job) (models.Envelope, error) {
	data, err := json.Marshal(models.JobEvent{
		Status:   j.Status,
		Progress: j.Progress,
		Error:    j.Error,
	})
	if err != nil {
		return models.Envelope{}, fmt.Errorf("encode job status: %w", err)
	}
	return models.Envelope{Type: models.KindJob, JobID: j.ID, Action: models.ActionStatus, Data: data}, nil
}

func jobOutputEnvelope(jobID, line string) (models.Envelope, error) {
	data, err := json.Marshal(models.JobEvent{Line: line})
	if err != nil {
		return models.Envelope{}, fmt.Errorf("encode job output: %w", err)
	}
	return models.Envelope{Type: models.KindJob, JobID: jobID, Action: models.ActionOutput, Data: data}, nil
}
