package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/google/uuid"

	"github.com/uma-arai/sbcntr-estate/internal/common/tracing"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

// StartExecutionAPI はSFNPublisherが利用するStep Functionsクライアントの部分集合です
type StartExecutionAPI interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

// SFNPublisher は通知バッチのステートマシンを起動してイベントを引き渡します
// 入力は通知バッチが受け取るタスク入力と同じ {"notifications": [...]} 形式です
type SFNPublisher struct {
	client          StartExecutionAPI
	stateMachineARN string
}

func NewSFNPublisher(client StartExecutionAPI, stateMachineARN string) *SFNPublisher {
	return &SFNPublisher{client: client, stateMachineARN: stateMachineARN}
}

// MarshalNotifications はイベントを通知バッチの入力形式にシリアライズします
func MarshalNotifications(events []model.PropertyEvent) ([]byte, error) {
	notifications := make([]model.Notification, len(events))
	for i, event := range events {
		notifications[i] = model.NewPropertyEventNotification(event)
	}
	return json.Marshal(map[string]any{
		"notifications": notifications,
	})
}

func (p *SFNPublisher) Publish(ctx context.Context, events []model.PropertyEvent) (err error) {
	ctx, span := tracing.Begin(ctx, "SFNPublisher.Publish")
	defer func() { span.Close(err) }()

	if len(events) == 0 {
		return nil
	}
	input, err := MarshalNotifications(events)
	if err != nil {
		return fmt.Errorf("failed to marshal notifications: %w", err)
	}

	_, err = p.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(p.stateMachineARN),
		Name:            aws.String("notify-" + uuid.NewString()),
		Input:           aws.String(string(input)),
	})
	if err != nil {
		return fmt.Errorf("failed to start notification execution: %w", err)
	}
	return nil
}
