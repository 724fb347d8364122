package source

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/log"
)

// Fetcher downloads artifact bytes for the schemes the core handles
// directly. OCI and git artifacts are produced by external packagers
// (selected through WARPGRID_* tool paths) and are not fetched here.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a fetcher with a bounded HTTP client.
func NewFetcher() *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Fetch downloads the artifact bytes for src.
func (f *Fetcher) Fetch(ctx context.Context, src *Source) ([]byte, error) {
	switch src.Scheme {
	case SchemeFile:
		data, err := os.ReadFile(src.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errdefs.NotFoundf("artifact %s", src.Path)
			}
			return nil, errdefs.Unavailablef("failed to read %s: %v", src.Path, err)
		}
		return data, nil

	case SchemeHTTPS:
		return f.fetchHTTP(ctx, src.URL)

	case SchemeS3:
		return f.fetchS3(ctx, src.Bucket, src.Key)

	case SchemeOCI:
		return nil, errdefs.FailedPreconditionf("oci artifacts are materialized by the packager (WARPGRID_OCI_TOOL)")

	case SchemeGit:
		return nil, errdefs.FailedPreconditionf("git artifacts are materialized by the packager (WARPGRID_GIT_TOOL)")

	default:
		return nil, errdefs.InvalidArgumentf("unsupported scheme %q", src.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errdefs.InvalidArgumentf("bad artifact url %q: %v", url, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errdefs.Unavailablef("artifact fetch %s: %v", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errdefs.NotFoundf("artifact %s", url)
	case resp.StatusCode != http.StatusOK:
		return nil, errdefs.Unavailablef("artifact fetch %s: HTTP %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Unavailablef("artifact read %s: %v", url, err)
	}
	slog := log.WithComponent("source")
	slog.Debug().Str("url", url).Int("bytes", len(data)).Msg("fetched artifact")
	return data, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, bucket, key string) ([]byte, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errdefs.Unavailablef("aws config: %v", err)
	}
	client := s3.NewFromConfig(cfg)

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errdefs.Unavailablef("s3 fetch s3://%s/%s: %v", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errdefs.Unavailablef("s3 read s3://%s/%s: %v", bucket, key, err)
	}
	return data, nil
}
