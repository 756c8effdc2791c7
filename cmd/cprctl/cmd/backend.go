package cmd

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	minioblob "github.com/hupe1980/cprkv/blobstore/minio"
	s3blob "github.com/hupe1980/cprkv/blobstore/s3"
	"github.com/hupe1980/cprkv/checkpoint"
	"github.com/hupe1980/cprkv/checkpoint/sqlitemanager"
)

// openManager opens the checkpoint manager of the configured backend.
func (a *app) openManager(ctx context.Context) (checkpoint.Manager, error) {
	log := a.logger.Logger
	switch backend := a.v.GetString("backend"); backend {
	case "local":
		return asManager(checkpoint.NewLocalManager(ctx, a.v.GetString("dir"), checkpoint.WithLogger(log)))
	case "sqlite":
		return asManager(sqlitemanager.Open(ctx, a.v.GetString("dir"), sqlitemanager.WithLogger(log)))
	case "s3":
		bucket, err := a.bucket()
		if err != nil {
			return nil, err
		}
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		store := s3blob.NewStore(awss3.NewFromConfig(cfg), bucket, a.v.GetString("prefix"))
		opts := []checkpoint.ManagerOption{checkpoint.WithLogger(log)}
		if table := a.v.GetString("dynamodb-table"); table != "" {
			uri := "s3://" + bucket + "/" + a.v.GetString("prefix")
			opts = append(opts, checkpoint.WithPointerStore(s3blob.NewCommitStore(dynamodb.NewFromConfig(cfg), table, uri)))
		}
		return asManager(checkpoint.NewBlobManager(ctx, store, opts...))
	case "minio":
		bucket, err := a.bucket()
		if err != nil {
			return nil, err
		}
		client, err := minio.New(a.v.GetString("endpoint"), &minio.Options{
			Creds:  credentials.NewStaticV4(a.v.GetString("access-key"), a.v.GetString("secret-key"), ""),
			Secure: a.v.GetBool("secure"),
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		store := minioblob.NewStore(client, bucket, a.v.GetString("prefix"))
		return asManager(checkpoint.NewBlobManager(ctx, store, checkpoint.WithLogger(log)))
	default:
		return nil, fmt.Errorf("invalid backend %s", backend)
	}
}

func (a *app) bucket() (string, error) {
	b := a.v.GetString("bucket")
	if b == "" {
		return "", fmt.Errorf("backend %s requires --bucket", a.v.GetString("backend"))
	}
	return b, nil
}

// asManager keeps a failed constructor from yielding a non-nil interface.
func asManager[M checkpoint.Manager](m M, err error) (checkpoint.Manager, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}
