package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/soham-khedkar/humourhub/core"
)

type scriptedUploader struct {
	errs  []error
	calls int
}

func (s *scriptedUploader) Upload(ctx context.Context, req UploadRequest) (*core.Meme, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &core.Meme{ID: "ok"}, nil
}

func TestRetrying_RetriesStorageFailures(t *testing.T) {
	storage := &UploadError{Reason: ReasonStorage, Err: errors.New("timeout")}
	next := &scriptedUploader{errs: []error{storage, storage}}

	meme, err := Retrying{Next: next, Attempts: 3}.Upload(context.Background(), UploadRequest{})
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if meme.ID != "ok" || next.calls != 3 {
		t.Errorf("got meme %v after %d calls, want success after 3", meme, next.calls)
	}
}

func TestRetrying_GivesUp(t *testing.T) {
	storage := &UploadError{Reason: ReasonStorage, Err: errors.New("timeout")}
	next := &scriptedUploader{errs: []error{storage, storage, storage}}

	_, err := Retrying{Next: next, Attempts: 2}.Upload(context.Background(), UploadRequest{})
	if !errors.Is(err, storage) {
		t.Errorf("Upload() error = %v, want last storage error", err)
	}
	if next.calls != 2 {
		t.Errorf("calls = %d, want 2", next.calls)
	}
}

func TestRetrying_DoesNotRetryValidation(t *testing.T) {
	invalid := &UploadError{Reason: ReasonInvalid, Err: errors.New("title is required")}
	next := &scriptedUploader{errs: []error{invalid}}

	if _, err := (Retrying{Next: next, Attempts: 5}).Upload(context.Background(), UploadRequest{}); !errors.Is(err, invalid) {
		t.Errorf("Upload() error = %v, want validation error", err)
	}
	if next.calls != 1 {
		t.Errorf("calls = %d, want 1", next.calls)
	}
}
