/*
Package kss stores large objects outside of the database

The service archives a JSON snapshot of every shipment push. There are two drivers: a
local filesystem for development and AWS S3 for production. Both hand out pre-signed URLs,
so that clients download objects without passing through the service.
*/
package kss

import (
	"context"
	"fmt"
	"time"
)

// Method is an HTTP method a pre-signed URL can be used with
type Method string

// Methods supported for pre-signed URLs
const (
	Get Method = "GET"
	Put Method = "PUT"
)

// Driver defines the interface for the KSS service
type Driver interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error)
	GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	DeleteAllWithPrefix(ctx context.Context, prefix string) error
}

// DriverType represents the different type of KSS Drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the KSS service
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the KSS service
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no KSS implementation
const None DriverType = ""

// ParseDriverType checks name
func ParseDriverType(name string) (DriverType, error) {
	switch DriverType(name) {
	case DriverTypeLocal, DriverTypeAWSS3, None:
		return DriverType(name), nil
	}
	return None, fmt.Errorf("unknown kss driver '%s'", name)
}
