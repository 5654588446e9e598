// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bureau-foundation/conveyor/lib/environment"
	"github.com/bureau-foundation/conveyor/lib/schema"
)

// webhookEvent is the default request body when a webhook defines
// none.
type webhookEvent struct {
	PipelineID         string `json:"pipelineId"`
	PipelineInstanceID string `json:"pipelineInstanceId"`
	StageID            string `json:"stageId"`
	Status             string `json:"status"`
}

func stageStatus(succeeded bool) string {
	if succeeded {
		return "finished"
	}
	return "failed"
}

// fireWebhooks sends each enabled webhook of a completed stage. On a
// failed stage only webhooks with ExecuteOnFailure fire. The outcome
// of each firing is written into the instance's copy of the stage.
// Failures are logged and recorded, never returned.
func (c *Cascade) fireWebhooks(ctx context.Context, instance *schema.PipelineInstance, stage *schema.Stage, succeeded bool) {
	for index, webhook := range stage.Webhooks {
		if webhook.Disabled || (!succeeded && !webhook.ExecuteOnFailure) {
			continue
		}
		logger := c.logger.With(
			"pipeline_instance_id", instance.ID,
			"stage_id", stage.ID,
			"webhook", webhook.Name,
			"url", webhook.URL,
		)
		state := schema.WebhookSuccess
		if err := c.send(ctx, instance, stage.ID, webhook, succeeded); err != nil {
			logger.Warn("webhook failed", "error", err)
			state = schema.WebhookFail
		} else {
			logger.Info("webhook fired")
		}

		firedAt := c.clock.Now()
		_, err := c.store.UpdatePipelineInstance(ctx, instance.ID, func(instance *schema.PipelineInstance) error {
			stored, ok := instance.Spec.Stage(stage.ID)
			if !ok || index >= len(stored.Webhooks) {
				return nil
			}
			stored.Webhooks[index].State = state
			stored.Webhooks[index].LastFiredAt = &firedAt
			return nil
		})
		if err != nil {
			logger.Error("recording webhook state failed", "error", err)
		}
	}
}

// send performs one webhook request. The body template may reference
// ${PIPELINE_ID}, ${PIPELINE_INSTANCE_ID}, ${STAGE_ID} and
// ${STAGE_STATUS}. Any response outside 2xx is a failure.
func (c *Cascade) send(ctx context.Context, instance *schema.PipelineInstance, stageID string, webhook schema.Webhook, succeeded bool) error {
	method := webhook.Method
	if method == "" {
		method = http.MethodPost
	}

	var body string
	if webhook.Body != "" {
		expanded, err := environment.Expand(webhook.Body, map[string]string{
			"PIPELINE_ID":          instance.PipelineID,
			"PIPELINE_INSTANCE_ID": instance.ID,
			"STAGE_ID":             stageID,
			"STAGE_STATUS":         stageStatus(succeeded),
		})
		if err != nil {
			return fmt.Errorf("expanding body: %w", err)
		}
		body = expanded
	} else {
		encoded, err := json.Marshal(webhookEvent{
			PipelineID:         instance.PipelineID,
			PipelineInstanceID: instance.ID,
			StageID:            stageID,
			Status:             stageStatus(succeeded),
		})
		if err != nil {
			return fmt.Errorf("encoding body: %w", err)
		}
		body = string(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, webhook.URL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if webhook.Body == "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for name, value := range webhook.Headers {
		request.Header.Set(name, value)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", response.Status)
	}
	return nil
}
