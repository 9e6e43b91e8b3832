package novasonic

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// Stream is a bidirectional JSON event stream with the model.
type Stream interface {
	// Send writes one JSON event.
	Send(ctx context.Context, event []byte) error

	// Events yields JSON events from the model. The channel is closed when
	// the stream ends; Err then reports why.
	Events() <-chan []byte

	// Err returns the error that ended the stream, if any.
	Err() error

	// Close ends the stream.
	Close() error
}

// StreamOpener opens a Stream for cfg.
type StreamOpener func(ctx context.Context, cfg *Config) (Stream, error)

// bedrockStream adapts the Bedrock event stream to Stream.
type bedrockStream struct {
	es     *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream
	events chan []byte

	closeOnce sync.Once
	closeErr  error
}

// OpenBedrockStream opens InvokeModelWithBidirectionalStream for cfg.Model.
func OpenBedrockStream(ctx context.Context, cfg *Config) (Stream, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, NewConnectionError("load AWS config", err, false)
	}

	client := bedrockruntime.NewFromConfig(awsCfg)
	out, err := client.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
		ModelId: aws.String(cfg.Model),
	})
	if err != nil {
		return nil, NewConnectionError("open bidirectional stream", mapAWSError(err), true)
	}

	s := &bedrockStream{
		es:     out.GetStream(),
		events: make(chan []byte, 64),
	}
	go s.pump()
	return s, nil
}

func loadAWSConfig(ctx context.Context, cfg *Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

func (s *bedrockStream) pump() {
	defer close(s.events)
	for ev := range s.es.Events() {
		chunk, ok := ev.(*types.InvokeModelWithBidirectionalStreamOutputMemberChunk)
		if !ok {
			continue
		}
		s.events <- chunk.Value.Bytes
	}
}

// Send implements Stream.
func (s *bedrockStream) Send(ctx context.Context, event []byte) error {
	err := s.es.Send(ctx, &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: types.BidirectionalInputPayloadPart{Bytes: event},
	})
	if err != nil {
		return NewConnectionError("send event", mapAWSError(err), false)
	}
	return nil
}

// Events implements Stream.
func (s *bedrockStream) Events() <-chan []byte { return s.events }

// Err implements Stream.
func (s *bedrockStream) Err() error {
	if err := s.es.Err(); err != nil {
		return mapAWSError(err)
	}
	return nil
}

// Close implements Stream.
func (s *bedrockStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.es.Close()
	})
	return s.closeErr
}

// mapAWSError turns smithy API errors into APIError.
func mapAWSError(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return NewAPIError(ae.ErrorCode(), ae.ErrorMessage())
	}
	return err
}
