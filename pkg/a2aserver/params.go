package a2aserver

import (
	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/devicebroker/pkg/task"
)

// wireConfiguration is the JSON shape of a createTask configuration
// object, per spec.md §4.3's createTask(Message, configuration)
// signature.
type wireConfiguration struct {
	AcceptedOutputModes []string        `json:"acceptedOutputModes,omitempty"`
	HistoryLength       int             `json:"historyLength,omitempty"`
	Blocking            bool            `json:"blocking,omitempty"`
	PushConfig          *wirePushConfig `json:"pushConfig,omitempty"`
}

func (c wireConfiguration) toTask() task.Configuration {
	cfg := task.Configuration{
		AcceptedOutputModes: c.AcceptedOutputModes,
		HistoryLength:       c.HistoryLength,
		Blocking:            c.Blocking,
	}
	if c.PushConfig != nil {
		cfg.PushConfig = &task.PushConfig{
			ConfigID:     c.PushConfig.ConfigID,
			CallbackURL:  c.PushConfig.CallbackURL,
			SecretOrAuth: c.PushConfig.SecretOrAuth,
		}
	}
	return cfg
}

type wirePushConfig struct {
	ConfigID     string `json:"configId"`
	CallbackURL  string `json:"callbackUrl"`
	SecretOrAuth string `json:"secretOrAuth,omitempty"`
}

type sendMessageParams struct {
	Message       a2a.Message       `json:"message"`
	Configuration wireConfiguration `json:"configuration"`
}

type taskIDParams struct {
	TaskID        string `json:"taskId"`
	HistoryLength int    `json:"historyLength,omitempty"`
}

type setPushConfigParams struct {
	TaskID       string `json:"taskId"`
	ConfigID     string `json:"configId"`
	CallbackURL  string `json:"callbackUrl"`
	SecretOrAuth string `json:"secretOrAuth,omitempty"`
}

type pushConfigIDParams struct {
	TaskID   string `json:"taskId"`
	ConfigID string `json:"configId"`
}

// listTasksParams is the filter body of list-tasks, per spec.md §4.4's
// "list-tasks | filter | [Task]" row.
type listTasksParams struct {
	ContextID string        `json:"contextId,omitempty"`
	State     a2a.TaskState `json:"state,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}

func (p listTasksParams) toFilter() task.ListFilter {
	return task.ListFilter{ContextID: p.ContextID, State: p.State, Limit: p.Limit}
}
