// Package artifacts uploads raw engine reports to object storage. Keys are
// namespaced per deployment environment so environments sharing one store
// never collide. Uploads are best effort: the scan result never depends on
// the object store being up.
package artifacts

import (
	"context"
	"path"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	mc        *minio.Client
	bucket    string
	namespace string
}

func New(endpoint, accessKey, secretKey string, useSSL bool, bucket, namespace string) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc, bucket: bucket, namespace: namespace}, nil
}

func (c *Client) Bucket() string { return c.bucket }

// Prefix returns the scan-scoped key prefix.
func (c *Client) Prefix(scanID string) string {
	return path.Join(c.namespace, scanID)
}

// UploadReport stores one engine's raw artifact under the scan prefix and
// returns the object key.
func (c *Client) UploadReport(ctx context.Context, scanID, engineName, filePath string) (string, error) {
	key := path.Join(c.Prefix(scanID), engineName+".json")
	_, err := c.mc.FPutObject(ctx, c.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", err
	}
	return key, nil
}
