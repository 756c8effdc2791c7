// Package s3 stores checkpoint artifacts in Amazon S3 and keeps commit
// pointers in DynamoDB.
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "bucket", "checkpoints")
//	pointers := s3.NewCommitStore(dynamodb.NewFromConfig(cfg), "cpr-commits", "s3://bucket/checkpoints")
//
// The DynamoDB table needs a string partition key "base_uri" and a numeric
// sort key "version". Every pointer update inserts a new item guarded by
// attribute_not_exists, so two writers racing on the same version cannot
// both win.
package s3
