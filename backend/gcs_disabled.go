//go:build !gcp

package backend

import (
	"context"
	"errors"
)

func newGCS(context.Context, GCSConfig) (Backend, error) {
	return nil, errors.New("gcs backend: built without the gcp tag")
}
