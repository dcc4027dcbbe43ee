package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const defaultWebhookTemplate = "$result"

// WebhookAdapter POSTs task results as JSON to a per-task URL.
type WebhookAdapter struct {
	client *http.Client
	log    logx.Logger
}

func NewWebhookAdapter(log logx.Logger) *WebhookAdapter {
	return &WebhookAdapter{
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

func (a *WebhookAdapter) Channel() string { return "webhook" }

type webhookPayload struct {
	TaskName  string `json:"task_name"`
	Body      string `json:"body"`
	Result    string `json:"result"`
	Timestamp string `json:"timestamp"`
}

// Deliver renders the body template and POSTs the payload.
// delivery_config keys: url (required), body_template.
func (a *WebhookAdapter) Deliver(ctx context.Context, resultText string, config map[string]any, taskName string) (task.DeliveryStatus, error) {
	url := configString(config, "url", "")
	if url == "" {
		return task.DeliveryStatus{}, errors.New("no url configured for webhook delivery")
	}

	vars := templateVars(resultText, taskName)
	payload := webhookPayload{
		TaskName:  taskName,
		Body:      expand(configString(config, "body_template", defaultWebhookTemplate), vars),
		Result:    resultText,
		Timestamp: vars["timestamp"],
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return task.DeliveryStatus{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return task.DeliveryStatus{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return task.DeliveryStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return task.DeliveryStatus{}, fmt.Errorf("webhook returned http %d", resp.StatusCode)
	}

	a.log.Debug("webhook delivery sent", logx.String("task", taskName), logx.Int("http", resp.StatusCode))
	return task.DeliveryStatus{
		Status:  "delivered",
		Channel: "webhook",
		Detail:  fmt.Sprintf("http %d", resp.StatusCode),
	}, nil
}
