package mirror

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/voiceping/router/src/presence"
)

const writeTimeout = 5 * time.Second

// Config locates the DynamoDB user status table.
type Config struct {
	Table     string
	Region    string
	Endpoint  string // non-empty for local stacks
	QueueSize int
}

// Dynamo mirrors presence transitions into a DynamoDB table keyed by
// userId. Updates are queued and written by a single worker; when the
// queue is full the update is dropped with a warning rather than
// blocking the presence path.
type Dynamo struct {
	client *dynamodb.Client
	table  string
	queue  chan presence.Update
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDynamo builds the client from the ambient AWS credential chain and
// starts the write worker.
func NewDynamo(ctx context.Context, cfg Config, logger zerolog.Logger) (*Dynamo, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("mirror: load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	d := &Dynamo{
		client: client,
		table:  cfg.Table,
		queue:  make(chan presence.Update, size),
		logger: logger.With().Str("component", "mirror").Logger(),
	}
	d.wg.Add(1)
	go d.run()
	d.logger.Info().Str("table", cfg.Table).Str("region", cfg.Region).Msg("dynamodb mirror started")
	return d, nil
}

// Submit queues a transition for mirroring. Never blocks.
func (d *Dynamo) Submit(u presence.Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- u:
	default:
		d.logger.Warn().Str("user", u.UserID).Msg("mirror queue full, update dropped")
	}
}

// Close stops intake and waits for queued updates to drain.
func (d *Dynamo) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

func (d *Dynamo) run() {
	defer d.wg.Done()
	for u := range d.queue {
		d.write(u)
	}
}

// write upserts one status row. Errors are logged and swallowed; the
// store remains the source of truth for presence.
func (d *Dynamo) write(u presence.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.table),
		Key: map[string]ddbtypes.AttributeValue{
			"userId": &ddbtypes.AttributeValueMemberS{Value: u.UserID},
		},
		UpdateExpression: aws.String("SET onlineStatus = :s, lastSeenAt = :t, deviceId = :d"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":s": &ddbtypes.AttributeValueMemberS{Value: u.Status},
			":t": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(u.LastSeen, 10)},
			":d": &ddbtypes.AttributeValueMemberS{Value: u.DeviceID},
		},
	})
	if err != nil {
		d.logger.Error().Err(err).Str("user", u.UserID).Str("status", u.Status).Msg("mirror write failed")
	}
}
