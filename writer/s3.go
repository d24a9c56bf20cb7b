package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/router"
)

// S3Sink persists one symbol class's records as JSON objects in S3. Each
// insert is a single PutObject; the key embeds the class and a uuid so
// concurrent writers can never collide.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
	class  models.SymbolClass
	log    *logger.Log
}

// NewS3Sinks builds one sink per symbol class against a shared S3 client.
func NewS3Sinks(cfg *appconfig.Config) (map[models.SymbolClass]router.Sink, error) {
	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.GetLogger()
	sinks := make(map[models.SymbolClass]router.Sink)
	for _, class := range []models.SymbolClass{models.ClassSPX, models.ClassSPY, models.ClassVIX} {
		sinks[class] = &S3Sink{
			client: client,
			bucket: cfg.Storage.S3.Bucket,
			prefix: cfg.Storage.S3.Prefix,
			class:  class,
			log:    log,
		}
	}

	log.WithComponent("s3_sink").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("s3 sinks initialized")

	return sinks, nil
}

func newS3Client(cfg *appconfig.Config) (*s3.Client, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	}), nil
}

// Insert writes the record as a JSON object. The object body carries the
// sink contract fields only.
func (s *S3Sink) Insert(ctx context.Context, record models.NormalizedRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	key := s.objectKey()
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("failed to put record %s: %w", key, err)
	}

	s.log.WithComponent("s3_sink").WithFields(logger.Fields{
		"class": string(s.class),
		"key":   key,
	}).Debug("record inserted")
	return nil
}

func (s *S3Sink) objectKey() string {
	parts := []string{}
	if s.prefix != "" {
		parts = append(parts, s.prefix)
	}
	parts = append(parts, strings.ToLower(string(s.class)), uuid.New().String()+".json")
	return strings.Join(parts, "/")
}
