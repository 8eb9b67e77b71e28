// Package s3store keeps remote records in an S3-compatible bucket. Object
// ETags serve as record versions and conditional writes provide optimistic
// concurrency. Each zone has a change log of empty marker objects whose keys
// sort by write time; the key of the last marker seen is the change token.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/record"
	"github.com/23skdu/cloudsync/internal/remote"
)

// API is the subset of the S3 client the store uses.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds S3 backend configuration
type Config struct {
	Endpoint        string // S3-compatible endpoint URL (e.g., "http://localhost:9000" for MinIO)
	Bucket          string
	Prefix          string // Optional key prefix for all zones
	AccessKeyID     string
	SecretAccessKey string
	Region          string // default: us-east-1
	UsePathStyle    bool   // required for MinIO
	PageSize        int    // change markers listed per FetchChanges call
	MaxBatchSize    int

	// AccountToken identifies the account the bucket belongs to.
	AccountToken string
}

// Validate checks the configuration for required fields
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return errors.New("S3 credentials are required")
	}
	return nil
}

// Store implements remote.Store on S3.
type Store struct {
	api      API
	bucket   string
	prefix   string
	token    string
	pageSize int32
	maxBatch int
	now      func() time.Time
}

var _ remote.Store = (*Store)(nil)

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid S3 config: %w", err)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		config.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithAPI(client, cfg), nil
}

// NewWithAPI uses an existing client.
func NewWithAPI(api API, cfg Config) *Store {
	s := &Store{
		api:      api,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		token:    cfg.AccountToken,
		pageSize: int32(cfg.PageSize),
		maxBatch: cfg.MaxBatchSize,
		now:      time.Now,
	}
	if s.pageSize <= 0 {
		s.pageSize = 200
	}
	if s.maxBatch <= 0 {
		s.maxBatch = remote.DefaultMaxBatchSize
	}
	return s
}

func (s *Store) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (s *Store) zoneKey(zone string) string {
	return s.key(zone, "_zone")
}

func (s *Store) recordKey(id record.ID) string {
	return s.key(id.Zone, "records", id.Name+".json")
}

func (s *Store) changesPrefix(zone string) string {
	return s.key(zone, "changes") + "/"
}

func (s *Store) changeKey(id record.ID) string {
	return fmt.Sprintf("%s%020d-%s", s.changesPrefix(id.Zone), s.now().UnixNano(), id.Name)
}

func (s *Store) AccountStatus(ctx context.Context) (remote.Account, error) {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return remote.Account{Status: remote.AccountAvailable, Token: s.token}, nil
	}
	switch apiCode(err) {
	case "AccessDenied", "Forbidden", "403":
		return remote.Account{Status: remote.AccountRestricted, Token: s.token}, nil
	case "NoSuchBucket", "NotFound", "404":
		return remote.Account{Status: remote.AccountNoAccount}, nil
	}
	return remote.Account{}, classify("AccountStatus", err)
}

func (s *Store) EnsureZone(ctx context.Context, zone string) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.zoneKey(zone)),
		Body:        bytes.NewReader(nil),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil && !isPreconditionFailed(err) {
		return classify("EnsureZone", err)
	}
	return nil
}

func (s *Store) FetchChanges(ctx context.Context, zone, token string) (*remote.ChangeSet, error) {
	prefix := s.changesPrefix(zone)
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(s.pageSize),
	}
	if token == "" {
		if _, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.zoneKey(zone)),
		}); err != nil {
			if isNotFound(err) {
				return nil, syncerr.Wrap(remote.ErrZoneNotFound, syncerr.ErrorTypeFatal, "FetchChanges", "zone "+zone+" does not exist")
			}
			return nil, classify("FetchChanges", err)
		}
	} else {
		if !strings.HasPrefix(token, prefix) {
			return nil, syncerr.Wrap(remote.ErrChangeTokenExpired, syncerr.ErrorTypeFatal, "FetchChanges", "token does not belong to zone "+zone)
		}
		in.StartAfter = aws.String(token)
	}

	out, err := s.api.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, classify("FetchChanges", err)
	}

	cs := &remote.ChangeSet{Token: token, MoreComing: aws.ToBool(out.IsTruncated)}
	seen := make(map[string]bool, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		cs.Token = key
		_, name, ok := strings.Cut(strings.TrimPrefix(key, prefix), "-")
		if !ok || seen[name] {
			continue
		}
		seen[name] = true

		id := record.ID{Zone: zone, Name: name}
		rec, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			cs.Deleted = append(cs.Deleted, id)
			continue
		}
		cs.Records = append(cs.Records, rec)
	}
	return cs, nil
}

// get returns nil when the record does not exist.
func (s *Store) get(ctx context.Context, id record.ID) (*record.Record, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.recordKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify("GetObject", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, syncerr.WrapTransientNetworkError(err, "GetObject", "reading record body")
	}
	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, syncerr.WrapSchemaMismatchError(err, "GetObject", "decoding record "+id.String())
	}
	rec.ID = id
	rec.Version = aws.ToString(out.ETag)
	return &rec, nil
}

func (s *Store) ModifyRecords(ctx context.Context, zone string, saves []*record.Record, deletes []record.ID) (*remote.ModifyResult, error) {
	if n := len(saves) + len(deletes); n > s.maxBatch {
		return nil, syncerr.Wrap(remote.ErrBatchTooLarge, syncerr.ErrorTypeValidation, "ModifyRecords", "batch too large").
			WithContext("size", n).WithContext("limit", s.maxBatch)
	}

	saves = inZone(zone, saves)
	res := &remote.ModifyResult{}
	// read every current state first so a stale batch writes nothing
	current := make([]*record.Record, len(saves))
	for i, r := range saves {
		cur, err := s.get(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		current[i] = cur
		if (cur != nil && cur.Version != r.Version) || (cur == nil && r.Version != "") {
			res.Conflicts = append(res.Conflicts, remote.Conflict{Attempted: r.Copy(), Server: cur})
		}
	}
	if len(res.Conflicts) > 0 {
		return res, nil
	}

	for i, r := range saves {
		saved, err := s.put(ctx, r, current[i])
		if isPreconditionFailed(err) {
			// lost a race after the read
			server, gerr := s.get(ctx, r.ID)
			if gerr != nil {
				return nil, gerr
			}
			res.Conflicts = append(res.Conflicts, remote.Conflict{Attempted: r.Copy(), Server: server})
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Saved = append(res.Saved, saved)
	}

	for _, id := range deletes {
		id.Zone = zone
		if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.recordKey(id)),
		}); err != nil && !isNotFound(err) {
			return nil, classify("DeleteObject", err)
		}
		if err := s.logChange(ctx, id); err != nil {
			return nil, err
		}
		res.Deleted = append(res.Deleted, id)
	}
	return res, nil
}

func inZone(zone string, recs []*record.Record) []*record.Record {
	out := make([]*record.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Copy()
		out[i].ID.Zone = zone
	}
	return out
}

// put writes r over cur, keeping fields of cur that r does not carry.
func (s *Store) put(ctx context.Context, r, cur *record.Record) (*record.Record, error) {
	stored := r.Copy()
	if cur != nil {
		stored.Fields = record.CopyFields(cur.Fields)
		for name, v := range r.Fields {
			stored.Fields[name] = v.Copy()
		}
	}
	stored.Version = ""
	stored.ModifiedAt = s.now().UTC()
	body, err := json.Marshal(stored)
	if err != nil {
		return nil, syncerr.WrapSchemaMismatchError(err, "PutObject", "encoding record "+r.ID.String())
	}

	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.recordKey(r.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if r.Version == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(r.Version)
	}
	out, err := s.api.PutObject(ctx, in)
	if err != nil {
		if isPreconditionFailed(err) {
			return nil, err
		}
		return nil, classify("PutObject", err)
	}
	if err := s.logChange(ctx, r.ID); err != nil {
		return nil, err
	}
	stored.Version = aws.ToString(out.ETag)
	return stored, nil
}

func (s *Store) logChange(ctx context.Context, id record.ID) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.changeKey(id)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return classify("PutObject", err)
	}
	return nil
}

func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

func apiCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	switch apiCode(err) {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

func isPreconditionFailed(err error) bool {
	switch apiCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

// classify maps S3 failures onto the sync error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syncerr.Classify(err)
	}
	code := apiCode(err)
	var t syncerr.ErrorType
	switch code {
	case "":
		t = syncerr.ErrorTypeTransientNetwork
	case "SlowDown", "TooManyRequests", "RequestLimitExceeded", "Throttling", "ThrottlingException":
		t = syncerr.ErrorTypeRateLimited
	case "InternalError", "ServiceUnavailable", "RequestTimeout", "RequestTimeTooSkewed":
		t = syncerr.ErrorTypeTransientNetwork
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		t = syncerr.ErrorTypeAccountUnavailable
	case "PreconditionFailed", "ConditionalRequestConflict":
		t = syncerr.ErrorTypeVersionConflict
	default:
		t = syncerr.ErrorTypeFatal
	}
	se := syncerr.Wrap(err, t, op, "s3 request failed")
	if code != "" {
		se.WithContext("s3_code", code)
	}
	return se
}
