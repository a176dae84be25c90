// Package followup schedules and executes the post-promotion follow-up SLA.
// When an opportunity is promoted into the CRM a follow-up record is created
// and a delayed task is enqueued; when the task fires the opportunity is moved
// to the CRM follow-up stage if the handler has not acted yet.
package followup

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskFollowUpDue = "opportunities.followup.due"

type FollowUpDuePayload struct {
	OpportunityID string `json:"opportunityId"`
	FollowUpID    string `json:"followUpId"`
	TraceID       string `json:"traceId"`
}

func NewFollowUpDueTask(payload FollowUpDuePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFollowUpDue, data), nil
}

func ParseFollowUpDuePayload(task *asynq.Task) (FollowUpDuePayload, error) {
	var payload FollowUpDuePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return FollowUpDuePayload{}, err
	}
	return payload, nil
}
