package remote

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// minPartSize is the S3-imposed minimum size for a non-final
// multipart upload part. Our append protocol stages the pre-existing
// archive prefix as part 1 via UploadPartCopy, which is only legal
// when that prefix is at least this large. Write does not check the
// size of the existing prefix.
const minPartSize = 5 << 20

// maxConcurrentParts bounds how many UploadPart calls run in flight at
// once when CloseArchive flushes a central-directory image spanning
// more than one part.
const maxConcurrentParts = 4

// S3Client implements remote.Client against a single S3 object, using
// a session.Must + SharedConfigEnable construction generalized to the
// full read/write contract.
type S3Client struct {
	api    *s3.S3
	bucket string
	key    string

	mu        sync.Mutex
	mode      OpenMode
	size      int64
	modTime   time.Time
	uploadID  *string
	partNum   int64
	completed []*s3.CompletedPart
	pending   bytes.Buffer
}

// NewS3Client builds a client bound to bucket/key. region and
// endpoint may be empty to take SDK defaults; both are exposed as CLI
// flags and config keys (see cmd/root.go).
func NewS3Client(bucket, key, region, endpoint string) *S3Client {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}
	sess := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
		Config:            *cfg,
	}))
	return &S3Client{
		api:    s3.New(sess),
		bucket: bucket,
		key:    key,
	}
}

// Open implements remote.Client.
func (c *S3Client) Open(ctx context.Context, url string, mode OpenMode) (*StatInfo, error) {
	c.mode = mode
	head, err := c.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		if mode == ModeUpdate {
			log.WithFields(log.Fields{"bucket": c.bucket, "key": c.key}).
				Debug("object absent, treating as empty archive for update")
			c.size = 0
			return &StatInfo{Size: 0}, nil
		}
		log.WithFields(log.Fields{"bucket": c.bucket, "key": c.key, "err": err}).
			Error("head object failed")
		return nil, fmt.Errorf("remote: head object: %w", err)
	}
	c.size = aws.Int64Value(head.ContentLength)
	info := &StatInfo{Size: c.size}
	if head.LastModified != nil {
		info.ModTime = *head.LastModified
	}
	c.modTime = info.ModTime
	return info, nil
}

// Read implements remote.Client via a ranged GetObject for
// partial-object fetches.
func (c *S3Client) Read(ctx context.Context, off, size int64) (*ChunkInfo, error) {
	byteRange := fmt.Sprintf("bytes=%d-%d", off, off+size-1)
	out, err := c.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
		Range:  aws.String(byteRange),
	})
	if err != nil {
		log.WithFields(log.Fields{"bucket": c.bucket, "key": c.key, "range": byteRange, "err": err}).
			Error("ranged get failed")
		return nil, fmt.Errorf("remote: get object range %s: %w", byteRange, err)
	}
	defer out.Body.Close()
	buf := make([]byte, size)
	n, err := readFull(out.Body, buf)
	if err != nil {
		return nil, fmt.Errorf("remote: read body: %w", err)
	}
	return &ChunkInfo{Offset: off, Length: int64(n), Buffer: buf[:n]}, nil
}

// Write implements remote.Client. S3 objects are immutable, so appends
// are staged into a multipart upload: the first Write in a session
// lazily starts the upload and stages the pre-existing archive prefix
// as part 1 via UploadPartCopy, then subsequent writes accumulate into
// `pending` and flush as parts once minPartSize is reached.
func (c *S3Client) Write(ctx context.Context, off int64, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off != c.size {
		return fmt.Errorf("remote: write at %d is not an append (current size %d)", off, c.size)
	}
	if c.uploadID == nil {
		if err := c.startMultipart(ctx); err != nil {
			return err
		}
	}
	c.pending.Write(buf)
	c.size += int64(len(buf))
	switch {
	case c.pending.Len() >= maxConcurrentParts*minPartSize:
		data := make([]byte, c.pending.Len())
		copy(data, c.pending.Bytes())
		c.pending.Reset()
		if err := c.flushLargeTail(ctx, data); err != nil {
			return err
		}
	case c.pending.Len() >= minPartSize:
		if err := c.flushPart(ctx, false); err != nil {
			return err
		}
	}
	return nil
}

func (c *S3Client) startMultipart(ctx context.Context) error {
	out, err := c.api.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		return fmt.Errorf("remote: create multipart upload: %w", err)
	}
	c.uploadID = out.UploadId
	c.partNum = 1
	if c.size > 0 {
		copySrc := fmt.Sprintf("%s/%s", c.bucket, c.key)
		copyRange := fmt.Sprintf("bytes=0-%d", c.size-1)
		part, err := c.api.UploadPartCopyWithContext(ctx, &s3.UploadPartCopyInput{
			Bucket:          aws.String(c.bucket),
			Key:             aws.String(c.key),
			UploadId:        c.uploadID,
			PartNumber:      aws.Int64(c.partNum),
			CopySource:      aws.String(copySrc),
			CopySourceRange: aws.String(copyRange),
		})
		if err != nil {
			return fmt.Errorf("remote: copy existing prefix into multipart upload: %w", err)
		}
		c.completed = append(c.completed, &s3.CompletedPart{
			ETag:       part.CopyPartResult.ETag,
			PartNumber: aws.Int64(c.partNum),
		})
		c.partNum++
	}
	return nil
}

// flushPart uploads the currently staged bytes as one part and waits
// for that upload to finish; with final set it uploads even when
// nothing is staged.
func (c *S3Client) flushPart(ctx context.Context, final bool) error {
	if c.pending.Len() == 0 && !final {
		return nil
	}
	data := make([]byte, c.pending.Len())
	copy(data, c.pending.Bytes())
	c.pending.Reset()

	num := c.partNum
	c.partNum++
	out, err := c.api.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(c.key),
		UploadId:   c.uploadID,
		PartNumber: aws.Int64(num),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("remote: upload part %d: %w", num, err)
	}
	c.completed = append(c.completed, &s3.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int64(num),
	})
	return nil
}

// flushLargeTail splits a large buffer too big to stage as a single
// part (e.g. CloseArchive's central-directory image) into
// minPartSize-sized parts uploaded with bounded concurrency.
func (c *S3Client) flushLargeTail(ctx context.Context, data []byte) error {
	var chunks [][]byte
	for len(data) > 0 {
		n := minPartSize
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	startNum := c.partNum
	c.partNum += int64(len(chunks))
	parts := make([]*s3.CompletedPart, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentParts)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			num := startNum + int64(i)
			out, err := c.api.UploadPartWithContext(gctx, &s3.UploadPartInput{
				Bucket:     aws.String(c.bucket),
				Key:        aws.String(c.key),
				UploadId:   c.uploadID,
				PartNumber: aws.Int64(num),
				Body:       bytes.NewReader(chunk),
			})
			if err != nil {
				return fmt.Errorf("remote: upload part %d: %w", num, err)
			}
			parts[i] = &s3.CompletedPart{ETag: out.ETag, PartNumber: aws.Int64(num)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.completed = append(c.completed, parts...)
	return nil
}

// Close implements remote.Client. If a multipart upload was started
// this session, it flushes any staged tail and completes the upload;
// otherwise it is a no-op, matching a read-only session against an
// immutable S3 object.
func (c *S3Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.uploadID == nil {
		return nil
	}
	if c.pending.Len() > 0 {
		if err := c.flushPart(ctx, true); err != nil {
			c.abortMultipart(ctx)
			return err
		}
	}
	_, err := c.api.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(c.key),
		UploadId: c.uploadID,
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: c.completed,
		},
	})
	if err != nil {
		c.abortMultipart(ctx)
		return fmt.Errorf("remote: complete multipart upload: %w", err)
	}
	c.uploadID = nil
	c.completed = nil
	return nil
}

func (c *S3Client) abortMultipart(ctx context.Context) {
	if c.uploadID == nil {
		return
	}
	_, err := c.api.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(c.key),
		UploadId: c.uploadID,
	})
	if err != nil {
		log.WithFields(log.Fields{"bucket": c.bucket, "key": c.key, "err": err}).
			Error("failed to abort multipart upload after earlier failure")
	}
}

// Stat implements remote.Client.
func (c *S3Client) Stat(ctx context.Context, force bool) (*StatInfo, error) {
	if !force {
		return &StatInfo{Size: c.size, ModTime: c.modTime}, nil
	}
	head, err := c.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	})
	if err != nil {
		return nil, fmt.Errorf("remote: stat: %w", err)
	}
	info := &StatInfo{Size: aws.Int64Value(head.ContentLength)}
	if head.LastModified != nil {
		info.ModTime = *head.LastModified
	}
	return info, nil
}

// GetProperty implements remote.Client. "LastURL" is the only
// property the core consults (archive.Session.LastURL).
func (c *S3Client) GetProperty(name string) string {
	if name == "LastURL" {
		return fmt.Sprintf("s3://%s/%s", c.bucket, c.key)
	}
	return ""
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}
