package destination

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
)

// S3Driver uses aws-sdk-go-v2 directly rather than shelling out to s3fs;
// §4.3's /etc/passwd-s3fs secrets file and /mnt/s3 FUSE mount point are
// replaced by an SDK client held on Data as RemoteFS, so the rotation and
// incfiles engines place/prune artifacts as S3 objects (PutObject,
// GetObject, ListObjectsV2, DeleteObject) instead of writing to a path
// nothing ever mounted.
type S3Driver struct {
	newClientFn func(ctx context.Context, spec *config.Destination) (*s3.Client, error)
}

func (S3Driver) Validate(jobName string, spec *config.Destination) (*Data, error) {
	if err := requireNonEmpty(jobName, "bucket", spec.Bucket); err != nil {
		return nil, err
	}
	return &Data{
		Kind:       config.DestS3,
		Spec:       spec,
		State:      Validated,
		MountPoint: "/mnt/s3",
	}, nil
}

func (d *S3Driver) Mount(ctx context.Context, log *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()

	newClient := d.newClientFn
	if newClient == nil {
		newClient = newS3Client
	}
	client, err := newClient(ctx, data.Spec)
	if err != nil {
		return fmt.Errorf("%w: s3 client for bucket %s: %s", errs.ErrMountFailed, data.Spec.Bucket, err)
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &data.Spec.Bucket}); err != nil {
		return fmt.Errorf("%w: head bucket %s: %s", errs.ErrMountFailed, data.Spec.Bucket, err)
	}

	data.bindSession(s3FS{client: client, bucket: data.Spec.Bucket, mountPoint: data.MountPoint}, nil)
	log.Debug("s3 bucket reachable", zap.String("bucket", data.Spec.Bucket))
	data.State = Mounted
	return nil
}

func (S3Driver) Unmount(_ context.Context, _ *zap.Logger, data *Data) error {
	data.mu.Lock()
	defer data.mu.Unlock()
	_ = data.releaseSession()
	data.State = Unmounted
	return nil
}

func (S3Driver) EffectiveLocalPath(data *Data, logicalRel string) string {
	return filepath.Join(data.MountPoint, data.Spec.BackupDir, logicalRel)
}

func (S3Driver) LogPath(data *Data, localPath string) string {
	return fmt.Sprintf("s3://%s%s", data.Spec.Bucket, localPath)
}

func (S3Driver) HostAndShare(*Data) (string, string) { return "", "" }

func (S3Driver) SupportsSymlink() bool { return false }

func newS3Client(ctx context.Context, spec *config.Destination) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if spec.Region != "" {
		opts = append(opts, awsconfig.WithRegion(spec.Region))
	}
	if spec.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(spec.AccessKeyID, spec.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if spec.Endpoint != "" {
			o.BaseEndpoint = &spec.Endpoint
		}
		o.UsePathStyle = spec.Endpoint != ""
	}), nil
}

// s3FS backs RemoteFS for s3 with the *s3.Client Mount built and bound on
// Data. S3 has no real directories, so MkdirAll is a no-op and ReadDir
// emulates one directory level with a "/" delimiter over ListObjectsV2.
type s3FS struct {
	client     *s3.Client
	bucket     string
	mountPoint string
}

func (f s3FS) key(path string) string {
	return strings.TrimPrefix(stripMountPrefix(f.mountPoint, path), "/")
}

func (s3FS) MkdirAll(context.Context, string) error { return nil }

func (f s3FS) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	key := f.key(path)
	return newPipeWriteCloser(func(r io.Reader) error {
		_, err := f.client.PutObject(ctx, &s3.PutObjectInput{Bucket: &f.bucket, Key: &key, Body: r})
		return err
	}), nil
}

func (f s3FS) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	key := f.key(path)
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &f.bucket, Key: &key})
	if err != nil {
		return nil, wrapNotExist(path, err)
	}
	return out.Body, nil
}

func (f s3FS) Stat(ctx context.Context, path string) (FileInfo, error) {
	key := f.key(path)
	out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &f.bucket, Key: &key})
	if err != nil {
		return FileInfo{}, wrapNotExist(path, err)
	}
	info := FileInfo{Name: filepath.Base(key)}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return info, nil
}

func (f s3FS) ReadDir(ctx context.Context, dir string) ([]FileInfo, error) {
	prefix := f.key(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	delim := "/"
	var out []FileInfo
	var token *string
	for {
		page, err := f.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: &f.bucket, Prefix: &prefix, Delimiter: &delim, ContinuationToken: token,
		})
		if err != nil {
			return nil, nil
		}
		for _, p := range page.CommonPrefixes {
			if p.Prefix == nil {
				continue
			}
			name := strings.TrimSuffix(strings.TrimPrefix(*p.Prefix, prefix), "/")
			out = append(out, FileInfo{Name: name, IsDir: true})
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || *obj.Key == prefix {
				continue
			}
			info := FileInfo{Name: strings.TrimPrefix(*obj.Key, prefix)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			out = append(out, info)
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}
	return out, nil
}

func (f s3FS) Remove(ctx context.Context, path string) error {
	key := f.key(path)
	_, err := f.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &f.bucket, Key: &key})
	if err != nil {
		return nil
	}
	return nil
}

func (f s3FS) RemoveAll(ctx context.Context, path string) error {
	entries, err := f.ReadDir(ctx, path)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		child := strings.TrimSuffix(path, "/") + "/" + e.Name
		if e.IsDir {
			if err := f.RemoveAll(ctx, child); err != nil {
				return err
			}
			continue
		}
		if err := f.Remove(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

func (s3FS) Symlink(context.Context, string, string) error {
	return fmt.Errorf("destination: s3 does not support symlinks")
}
