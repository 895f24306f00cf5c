package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/testrig/testrig/pkg/logging"
)

// DynamoReservationConfig holds configuration for DynamoDB-backed reservations
type DynamoReservationConfig struct {
	TableName       string        `json:"table_name"`
	Region          string        `json:"region"`
	Endpoint        string        `json:"endpoint,omitempty"` // For LocalStack or custom endpoints
	TTL             time.Duration `json:"ttl"`                // Lease TTL duration
	RefreshInterval time.Duration `json:"refresh_interval"`   // How often to refresh the lease
	// AWS credentials come from IAM roles, instance profiles, or environment
}

// DynamoReservationService records environment leases in DynamoDB so that
// multiple orchestrator processes sharing a board pool cannot double-book an
// environment. A lease carries a TTL and is refreshed while held, so a crashed
// holder's lease expires instead of wedging the board forever.
type DynamoReservationService struct {
	client  *dynamodb.Client
	config  DynamoReservationConfig
	ownerID string
	logger  *logging.Logger

	mu           sync.Mutex
	refreshStops map[string]chan struct{}
}

// NewDynamoReservationService creates a DynamoDB-backed reservation service
func NewDynamoReservationService(cfg DynamoReservationConfig) (*DynamoReservationService, error) {
	if cfg.TableName == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = cfg.TTL / 5
	}

	awsCfg, err := loadAWSConfigForEndpoint(cfg.Region, cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	svc := &DynamoReservationService{
		client:       createDynamoDBClient(awsCfg, cfg.Endpoint),
		config:       cfg,
		ownerID:      fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().Unix()),
		logger:       logging.NewLogger("reservation-dynamodb"),
		refreshStops: make(map[string]chan struct{}),
	}

	if err := svc.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure reservation table exists: %w", err)
	}
	return svc, nil
}

// ensureTable ensures the reservation table exists with proper schema
func (s *DynamoReservationService) ensureTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.config.TableName),
	})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table: %w", err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.config.TableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("EnvironmentID"),
				KeyType:       types.KeyTypeHash,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("EnvironmentID"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create reservation table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.config.TableName),
	}, 5*time.Minute); err != nil {
		return fmt.Errorf("timeout waiting for table to become active: %w", err)
	}

	_, err = s.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(s.config.TableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("TTL"),
			Enabled:       aws.Bool(true),
		},
	})
	_ = err // TTL might already be enabled, or this might be LocalStack

	return nil
}

// Acquire takes the lease for an environment with a conditional write. An
// existing unexpired lease by another holder fails with ErrAlreadyReserved.
func (s *DynamoReservationService) Acquire(ctx context.Context, environmentID, holder string) (Reservation, error) {
	now := time.Now().UTC()
	ttlExpiry := now.Add(s.config.TTL).Unix()

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TableName),
		Item: map[string]types.AttributeValue{
			"EnvironmentID": &types.AttributeValueMemberS{Value: environmentID},
			"Owner":         &types.AttributeValueMemberS{Value: s.ownerID},
			"Holder":        &types.AttributeValueMemberS{Value: holder},
			"Created":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			"TTL":           &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlExpiry, 10)},
		},
		// An expired lease is reclaimable even before DynamoDB's TTL sweeper
		// deletes the item
		ConditionExpression: aws.String("attribute_not_exists(EnvironmentID) OR #ttl < :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "TTL",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return nil, &ErrAlreadyReserved{EnvironmentID: environmentID, Holder: "another process"}
		}
		return nil, fmt.Errorf("failed to acquire reservation for %s: %w", environmentID, err)
	}

	res := &dynamoReservation{
		service:       s,
		environmentID: environmentID,
		refreshStop:   make(chan struct{}),
	}

	s.mu.Lock()
	s.refreshStops[environmentID] = res.refreshStop
	s.mu.Unlock()

	go s.refreshLease(res)
	return res, nil
}

// refreshLease periodically extends the lease TTL while the reservation is held
func (s *DynamoReservationService) refreshLease(res *dynamoReservation) {
	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-res.refreshStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			ttlExpiry := time.Now().UTC().Add(s.config.TTL).Unix()

			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName: aws.String(s.config.TableName),
				Key: map[string]types.AttributeValue{
					"EnvironmentID": &types.AttributeValueMemberS{Value: res.environmentID},
				},
				UpdateExpression: aws.String("SET #ttl = :ttl"),
				ExpressionAttributeNames: map[string]string{
					"#ttl":   "TTL",
					"#owner": "Owner",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlExpiry, 10)},
					":owner": &types.AttributeValueMemberS{Value: s.ownerID},
				},
				ConditionExpression: aws.String("#owner = :owner"),
			})
			cancel()

			if err != nil {
				// Lease lost or stolen; stop refreshing and let Release report it
				s.logger.Warnf("lease refresh for %s failed: %v", res.environmentID, err)
				return
			}
		}
	}
}

// Shutdown stops all refresh goroutines
func (s *DynamoReservationService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stop := range s.refreshStops {
		close(stop)
	}
	s.refreshStops = make(map[string]chan struct{})
}

type dynamoReservation struct {
	service       *DynamoReservationService
	environmentID string
	refreshStop   chan struct{}
	releaseOnce   sync.Once
	releaseErr    error
}

func (r *dynamoReservation) EnvironmentID() string { return r.environmentID }

// Release deletes the lease, conditional on still owning it
func (r *dynamoReservation) Release() error {
	r.releaseOnce.Do(func() {
		r.service.mu.Lock()
		if stop, ok := r.service.refreshStops[r.environmentID]; ok {
			close(stop)
			delete(r.service.refreshStops, r.environmentID)
		}
		r.service.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := r.service.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(r.service.config.TableName),
			Key: map[string]types.AttributeValue{
				"EnvironmentID": &types.AttributeValueMemberS{Value: r.environmentID},
			},
			ConditionExpression: aws.String("#owner = :owner"),
			ExpressionAttributeNames: map[string]string{
				"#owner": "Owner",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":owner": &types.AttributeValueMemberS{Value: r.service.ownerID},
			},
		})
		if err != nil {
			var conditionFailed *types.ConditionalCheckFailedException
			if errors.As(err, &conditionFailed) {
				r.releaseErr = fmt.Errorf("reservation for %s is not owned by this process", r.environmentID)
				return
			}
			r.releaseErr = fmt.Errorf("failed to release reservation: %w", err)
		}
	})
	return r.releaseErr
}

var _ ReservationService = (*DynamoReservationService)(nil)
