// Package aws is the SNS/SQS event log backend. Every event topic maps to an
// SNS topic; each consumer group gets its own SQS queue subscribed to it.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/chainflow/transport"
)

// TransportName is the pubsub.system value selecting this backend.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader loads the SDK configuration. Tests may replace it.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory builds the topic ARN resolver. Tests may replace it.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory builds the SNS publisher. Tests may replace it.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory builds a group subscriber. Tests may replace it.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.AWSCapabilities)
}

var nameReplacer = strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-", ":", "-", "/", "-")

// ResourceName turns a chainflow topic or group into a valid SNS/SQS name.
func ResourceName(name string) string {
	return nameReplacer.Replace(name)
}

// QueueName is the SQS queue a consumer group reads topic from.
func QueueName(topic, groupID string) string {
	if groupID == "" {
		return ResourceName(topic)
	}
	return ResourceName(topic) + "_" + ResourceName(groupID)
}

// Build creates an SNS/SQS transport. The topic resolver is shared; SQS
// subscribers are created per consumer group.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	endpoint, err := endpointURL(cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	resolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"account_id": accountID,
			"region":     region,
		})
		return transport.Transport{}, err
	}
	topics := sanitizingResolver{inner: resolver}
	snsOpts, sqsOpts := endpointOptions(endpoint)

	logger.Info("Building AWS transport", watermill.LogFields{
		"region":          region,
		"account_id":      accountID,
		"custom_endpoint": endpoint != nil,
	})

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: topics,
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(groupID string) (message.Subscriber, error) {
		return SubscriberFactory(
			sns.SubscriberConfig{
				AWSConfig:            awsCfg,
				OptFns:               snsOpts,
				TopicResolver:        topics,
				GenerateSqsQueueName: queueNameGenerator(groupID),
			},
			sqs.SubscriberConfig{
				AWSConfig: awsCfg,
				OptFns:    sqsOpts,
			},
			logger,
		)
	}

	return transport.Transport{
		Publisher:     publisher,
		NewSubscriber: newSubscriber,
	}, nil
}

// sanitizingResolver maps chainflow topic names onto valid SNS topic names
// before resolving the ARN.
type sanitizingResolver struct {
	inner sns.TopicResolver
}

func (r sanitizingResolver) ResolveTopic(ctx context.Context, topic string) (sns.TopicArn, error) {
	return r.inner.ResolveTopic(ctx, ResourceName(topic))
}

func queueNameGenerator(groupID string) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		return QueueName(string(topic), groupID), nil
	}
}

func loadAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey()
	if accessKey != "" && secretKey != "" {
		logger.Debug("Using static AWS credentials", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": region})
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	// the loader may ignore options when a shared profile sets a region
	if region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	if cfg == nil {
		return "", fallbackRegion
	}

	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if cfg.GetAWSEndpoint() == "" {
		return accountID, region
	}
	switch {
	case accountID == "":
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"account_id": localstackAccountID})
		accountID = localstackAccountID
	case len(accountID) != awsAccountIDLength:
		logger.Info("Invalid AWS account ID; using LocalStack default", watermill.LogFields{"account_id": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func endpointURL(cfg transport.Config) (*url.URL, error) {
	if cfg == nil || cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}
	parsed, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("parse aws endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse aws endpoint: %q is not an absolute url", cfg.GetAWSEndpoint())
	}
	return parsed, nil
}

func endpointOptions(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	target := smithyendpoints.Endpoint{URI: *endpoint}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: target}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: target}),
		}
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			Source:          "chainflow",
		}, nil
	})
}
