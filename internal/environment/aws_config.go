package environment

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// isLocalStackOrTestEnv detects if we're running against LocalStack or inside
// a test process
func isLocalStackOrTestEnv(endpoint string) bool {
	if endpoint != "" {
		endpointLower := strings.ToLower(endpoint)
		if strings.Contains(endpointLower, "localstack") || strings.Contains(endpointLower, "localhost") {
			return true
		}
	}

	if os.Getenv("TESTRIG_USE_LOCALSTACK") == "true" || os.Getenv("LOCALSTACK_ENDPOINT") != "" {
		return true
	}

	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}

	return false
}

// loadAWSConfigForEndpoint loads AWS configuration for a given region and endpoint
func loadAWSConfigForEndpoint(region, endpoint string) (aws.Config, error) {
	configOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	// Static test credentials for LocalStack/testing
	if isLocalStackOrTestEnv(endpoint) {
		configOptions = append(configOptions,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
		)
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(), configOptions...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// createEC2Client creates an EC2 client with optional custom endpoint
func createEC2Client(awsCfg aws.Config, endpoint string) *ec2.Client {
	if endpoint != "" {
		return ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return ec2.NewFromConfig(awsCfg)
}

// createDynamoDBClient creates a DynamoDB client with optional custom endpoint
func createDynamoDBClient(awsCfg aws.Config, endpoint string) *dynamodb.Client {
	if endpoint != "" {
		return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return dynamodb.NewFromConfig(awsCfg)
}
