package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DealerPipe/internal/models"
)

type fakeSQS struct {
	inputs   []*sqs.SendMessageInput
	err      error
	deadline bool
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	_, f.deadline = ctx.Deadline()
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSQSPublisherSendsJSON(t *testing.T) {
	fake := &fakeSQS{}
	p := newSQSPublisher(fake, SQSOpts{QueueURL: "https://sqs.us-east-2.amazonaws.com/1/plates", Timeout: time.Second})

	err := p.Publish(context.Background(), models.PlateLookupRequest{Plate: "ABC123", User: "whatsapp:+5215512345678"})
	require.NoError(t, err)
	require.Len(t, fake.inputs, 1)
	assert.True(t, fake.deadline, "publish must run with a timeout")

	in := fake.inputs[0]
	assert.Equal(t, "https://sqs.us-east-2.amazonaws.com/1/plates", aws.ToString(in.QueueUrl))
	assert.Equal(t, "dealerpipe", aws.ToString(in.MessageAttributes["source"].StringValue))

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &body))
	assert.Equal(t, map[string]string{"plate": "ABC123", "user": "whatsapp:+5215512345678"}, body)
}

func TestSQSPublisherWrapsErrors(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "AWS.SimpleQueueService.NonExistentQueue", Message: "missing"}
	fake := &fakeSQS{err: apiErr}
	p := newSQSPublisher(fake, SQSOpts{QueueURL: "q"})

	err := p.Publish(context.Background(), models.PlateLookupRequest{Plate: "ABC123", User: "+52"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Equal(t, "AWS.SimpleQueueService.NonExistentQueue", errorCode(err))
}

func TestSQSPublisherRejectsInvalidRequest(t *testing.T) {
	fake := &fakeSQS{}
	p := newSQSPublisher(fake, SQSOpts{QueueURL: "q"})
	err := p.Publish(context.Background(), models.PlateLookupRequest{Plate: "ABC123"})
	assert.ErrorIs(t, err, models.ErrEmptySender)
	assert.Empty(t, fake.inputs)
}

func TestNewSQSPublisherRequiresQueueURL(t *testing.T) {
	_, err := NewSQSPublisher(context.Background(), WithRegion("us-east-2"))
	assert.Error(t, err)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "Timeout", errorCode(context.DeadlineExceeded))
	assert.Equal(t, "Unknown", errorCode(errors.New("boom")))
}

func TestLogPublisher(t *testing.T) {
	var p Publisher = LogPublisher{}
	assert.NoError(t, p.Publish(context.Background(), models.PlateLookupRequest{Plate: "ABC123", User: "+52"}))
	assert.Error(t, p.Publish(context.Background(), models.PlateLookupRequest{}))
}

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()
	require.NoError(t, m.Publish(context.Background(), models.PlateLookupRequest{Plate: "ABC123", User: "+52"}))
	assert.Len(t, m.Published(), 1)

	m.Err = errors.New("down")
	err := m.Publish(context.Background(), models.PlateLookupRequest{Plate: "XYZ987", User: "+52"})
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Len(t, m.Published(), 1)
}
