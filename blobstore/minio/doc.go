// Package minio stores checkpoint artifacts in any S3-compatible object
// store (MinIO, Ceph RGW, Cloudflare R2, ...) through minio-go.
package minio
