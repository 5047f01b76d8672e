// Package lambdaboot holds the shared Lambda cold-start bootstrap:
// AWS config, DynamoDB session store, S3 media helpers, and the
// provider API key from SSM Parameter Store. Each Lambda's init() is a
// short composition of these helpers.
package lambdaboot

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/jteoh/virtual-tryon/internal/s3util"
	"github.com/jteoh/virtual-tryon/internal/store"
)

// AWSClients holds the core AWS SDK clients used across Lambdas.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitMedia creates the S3 media helper from the bucket named by the
// given environment variable. Fatals if the env var is empty.
func InitMedia(cfg aws.Config, bucketEnvVar string) *s3util.Media {
	bucket := os.Getenv(bucketEnvVar)
	if bucket == "" {
		log.Fatal().Str("envVar", bucketEnvVar).Msg("Bucket environment variable is required")
	}
	return s3util.NewMedia(s3.NewFromConfig(cfg), bucket)
}

// InitDynamo creates the DynamoDB session store from the table named by
// the given environment variable. Fatals if the env var is empty.
func InitDynamo(cfg aws.Config, tableEnvVar string) *store.DynamoStore {
	tableName := os.Getenv(tableEnvVar)
	if tableName == "" {
		log.Fatal().Str("envVar", tableEnvVar).Msg("DynamoDB table environment variable is required")
	}
	return store.NewDynamoStore(dynamodb.NewFromConfig(cfg), tableName)
}

// LoadProviderKey returns the generation provider API key. TRYON_API_KEY
// wins when set; otherwise the key is fetched from SSM Parameter Store
// using SSM_TRYON_KEY_PARAM (or its default path). Fatals on error: the
// service cannot do anything useful without the provider.
func LoadProviderKey(ssmClient *ssm.Client) string {
	if key := os.Getenv("TRYON_API_KEY"); key != "" {
		return key
	}
	paramName := os.Getenv("SSM_TRYON_KEY_PARAM")
	if paramName == "" {
		paramName = "/virtual-tryon/prod/provider-api-key"
	}
	ssmStart := time.Now()
	result, err := ssmClient.GetParameter(context.Background(), &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		log.Fatal().Err(err).Str("param", paramName).Msg("Failed to read provider API key from SSM")
	}
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(ssmStart)).Msg("Provider API key loaded from SSM")
	return *result.Parameter.Value
}
