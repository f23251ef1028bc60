package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soham-khedkar/humourhub/core"
)

// Retrying retries uploads that failed in storage. Validation and
// authentication failures are returned immediately.
type Retrying struct {
	Next     Uploader
	Attempts int
	Backoff  time.Duration
}

func (r Retrying) Upload(ctx context.Context, req UploadRequest) (*core.Meme, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.Backoff * time.Duration(i)):
			}
		}

		var meme *core.Meme
		meme, err = r.Next.Upload(ctx, req)
		if err == nil {
			return meme, nil
		}

		var uploadErr *UploadError
		if !errors.As(err, &uploadErr) || uploadErr.Reason != ReasonStorage {
			return nil, err
		}
		logrus.WithError(err).WithField("attempt", i+1).Warn("Upload failed, retrying")
	}
	return nil, err
}
