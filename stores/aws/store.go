package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/soham-khedkar/humourhub/core"
)

const (
	memesPrefix = "memes/"
	likesPrefix = "likes/"
	blobsPrefix = "blobs/"
)

// objectAPI is the subset of the S3 client the store uses.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

type memeRow struct {
	core.Meme
	BlobKey  string `json:"blob_key"`
	ThumbKey string `json:"thumb_key,omitempty"`
}

// s3Store keeps meme rows as JSON objects, likes as empty marker objects
// and blobs under their keys, all in one bucket.
type s3Store struct {
	s3Client objectAPI
	bucket   string
}

// NewStore creates a new S3-based store using the default AWS config chain.
func NewStore(ctx context.Context, bucketName string) (*s3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return &s3Store{s3Client: s3.NewFromConfig(cfg), bucket: bucketName}, nil
}

func memeKey(id string) (string, error) {
	if id == "" || path.Base(id) != id || id == "." || id == ".." {
		return "", fmt.Errorf("invalid meme id %q", id)
	}
	return memesPrefix + id + ".json", nil
}

func likeKey(memeID, userID string) string {
	return likesPrefix + url.PathEscape(memeID) + "/" + url.PathEscape(userID)
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	return errors.As(err, &nsk)
}

func (s *s3Store) get(ctx context.Context, key string) ([]byte, string, error) {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", core.ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, aws.ToString(resp.ContentType), nil
}

func (s *s3Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) delete(ctx context.Context, key string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) keys(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, object := range page.Contents {
			keys = append(keys, aws.ToString(object.Key))
		}
	}
	return keys, nil
}

func (s *s3Store) readMeme(ctx context.Context, key string) (*core.Meme, error) {
	data, _, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	var row memeRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meme %s: %w", key, err)
	}

	m := row.Meme
	m.BlobKey, m.ThumbKey = row.BlobKey, row.ThumbKey
	if m.Tags == nil {
		m.Tags = []string{}
	}
	likes, err := s.keys(ctx, likesPrefix+url.PathEscape(m.ID)+"/")
	if err != nil {
		return nil, err
	}
	m.Likes = len(likes)
	return &m, nil
}

func (s *s3Store) List(ctx context.Context, filter core.MemeFilter) ([]*core.Meme, error) {
	keys, err := s.keys(ctx, memesPrefix)
	if err != nil {
		return nil, err
	}

	memes := make([]*core.Meme, 0, len(keys))
	for _, key := range keys {
		m, err := s.readMeme(ctx, key)
		if err != nil {
			logrus.WithError(err).WithField("key", key).Warn("Failed to read meme object, skipping")
			continue
		}
		if filter.Matches(m) {
			memes = append(memes, m)
		}
	}

	memes = filter.Arrange(memes)
	return memes, nil
}

func (s *s3Store) Get(ctx context.Context, id string) (*core.Meme, error) {
	key, err := memeKey(id)
	if err != nil {
		return nil, err
	}
	m, err := s.readMeme(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		logrus.WithField("meme_id", id).Warn("Meme not found")
		return nil, fmt.Errorf("meme %s: %w", id, core.ErrNotFound)
	}
	return m, err
}

func (s *s3Store) Create(ctx context.Context, meme *core.Meme) error {
	if meme.ID == "" {
		meme.ID = ulid.Make().String()
	}
	if meme.CreatedAt.IsZero() {
		meme.CreatedAt = time.Now().UTC()
	}
	key, err := memeKey(meme.ID)
	if err != nil {
		return err
	}

	row := memeRow{Meme: *meme, BlobKey: meme.BlobKey, ThumbKey: meme.ThumbKey}
	row.Likes = 0
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal meme: %w", err)
	}
	if err := s.put(ctx, key, data, "application/json"); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{"meme_id": meme.ID, "user_id": meme.UserID}).Info("Meme created successfully")
	return nil
}

func (s *s3Store) Delete(ctx context.Context, id string) error {
	key, err := memeKey(id)
	if err != nil {
		return err
	}
	// DeleteObject succeeds for missing keys, so check first.
	if _, _, err := s.get(ctx, key); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("meme %s: %w", id, core.ErrNotFound)
		}
		return err
	}
	if err := s.delete(ctx, key); err != nil {
		return err
	}

	likes, err := s.keys(ctx, likesPrefix+url.PathEscape(id)+"/")
	if err != nil {
		return err
	}
	for _, like := range likes {
		if err := s.delete(ctx, like); err != nil {
			logrus.WithError(err).WithField("key", like).Warn("Failed to remove like")
		}
	}
	logrus.WithField("meme_id", id).Info("Meme deleted successfully")
	return nil
}

func (s *s3Store) Like(ctx context.Context, memeID, userID string) error {
	key, err := memeKey(memeID)
	if err != nil {
		return err
	}
	if _, _, err := s.get(ctx, key); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("meme %s: %w", memeID, core.ErrNotFound)
		}
		return err
	}
	return s.put(ctx, likeKey(memeID, userID), nil, "application/octet-stream")
}

func (s *s3Store) Unlike(ctx context.Context, memeID, userID string) error {
	return s.delete(ctx, likeKey(memeID, userID))
}

func (s *s3Store) LikedBy(ctx context.Context, userID string) ([]string, error) {
	keys, err := s.keys(ctx, likesPrefix)
	if err != nil {
		return nil, err
	}

	suffix := "/" + url.PathEscape(userID)
	ids := []string{}
	for _, key := range keys {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		escaped := strings.TrimSuffix(strings.TrimPrefix(key, likesPrefix), suffix)
		if id, err := url.PathUnescape(escaped); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

func (s *s3Store) PutBlob(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.put(ctx, blobsPrefix+key, data, contentType); err != nil {
		logrus.WithError(err).WithField("blob_key", key).Error("Failed to store blob")
		return err
	}
	return nil
}

func (s *s3Store) GetBlob(ctx context.Context, key string) ([]byte, string, error) {
	data, contentType, err := s.get(ctx, blobsPrefix+key)
	if errors.Is(err, core.ErrNotFound) {
		return nil, "", fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	return data, contentType, err
}

func (s *s3Store) DeleteBlob(ctx context.Context, key string) error {
	return s.delete(ctx, blobsPrefix+key)
}
