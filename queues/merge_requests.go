package queues

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/models"
	"github.com/Yulian302/lfusys-services-recordings/services"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the part of *sqs.Client the receiver needs.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type MergeRequestReceiver interface {
	Start()
	Shutdown(ctx context.Context) error
}

type MergeRequestReceiverImpl struct {
	client   SQSAPI
	pipeline services.PipelineService
	queueUrl string
	logger   logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMergeRequestReceiverImpl(
	parent context.Context,
	client SQSAPI,
	pipeline services.PipelineService,
	queueUrl string,
	logger logging.Logger,
) *MergeRequestReceiverImpl {

	ctx, cancel := context.WithCancel(parent)

	return &MergeRequestReceiverImpl{
		client:   client,
		pipeline: pipeline,
		queueUrl: queueUrl,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *MergeRequestReceiverImpl) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.pollLoop()
	}()
}

func (r *MergeRequestReceiverImpl) pollLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		out, err := r.client.ReceiveMessage(r.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueUrl),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     20, // long poll
			VisibilityTimeout:   300,
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return r.ctx.Err()
			}
			r.logger.Warn("failed to receive merge requests", "error", err)
			select {
			case <-r.ctx.Done():
				return r.ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range out.Messages {
			r.handleMessage(r.ctx, msg)
		}
	}
}

func (r *MergeRequestReceiverImpl) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueUrl),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		r.logger.Warn("failed to delete merge request", "message_id", aws.ToString(msg.MessageId), "error", err)
	}
}

// handleMessage deletes a message once retrying it cannot help. Input and
// integrity failures stay visible on the session record instead.
func (r *MergeRequestReceiverImpl) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		r.deleteMessage(ctx, msg)
		return
	}

	var evt models.MergeRequestedEvent
	if err := json.Unmarshal([]byte(*msg.Body), &evt); err != nil || evt.SessionKey == "" {
		// poison message
		r.logger.Warn("dropping malformed merge request", "message_id", aws.ToString(msg.MessageId))
		r.deleteMessage(ctx, msg)
		return
	}

	res, err := r.pipeline.Merge(ctx, evt.SessionKey)
	if err != nil {
		kind := apperror.KindOf(err)
		switch kind.Category() {
		case apperror.CategoryInput, apperror.CategoryIntegrity:
			r.logger.Warn("merge request rejected", "session_key", evt.SessionKey, "kind", kind.String(), "error", err)
			r.deleteMessage(ctx, msg)
		default:
			r.logger.Info("merge request will be retried", "session_key", evt.SessionKey, "kind", kind.String(), "error", err)
		}
		return
	}

	r.logger.Info("merge request completed", "session_key", evt.SessionKey, "storage_key", res.Object.Key)
	r.deleteMessage(ctx, msg)
}

func (r *MergeRequestReceiverImpl) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
