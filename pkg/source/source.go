// Package source resolves deployment artifact URIs and fetches module
// bytes for the supported schemes.
package source

import (
	"strings"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
)

// Scheme identifies where an artifact lives.
type Scheme string

const (
	SchemeOCI   Scheme = "oci"
	SchemeHTTPS Scheme = "https"
	SchemeS3    Scheme = "s3"
	SchemeGit   Scheme = "git"
	SchemeFile  Scheme = "file"
)

// Source is a parsed artifact URI.
type Source struct {
	Scheme Scheme

	// OCI
	Registry   string
	Repository string
	Tag        string

	// HTTPS
	URL string

	// S3
	Bucket string
	Key    string

	// Git
	GitURL string
	Ref    string

	// File
	Path string
}

// Parse classifies an artifact URI. Unsupported schemes are rejected with
// InvalidArgument.
func Parse(uri string) (*Source, error) {
	switch {
	case strings.HasPrefix(uri, "oci://"):
		rest := uri[len("oci://"):]
		repoPath, tag := rest, "latest"
		if idx := strings.LastIndexByte(rest, ':'); idx >= 0 {
			repoPath, tag = rest[:idx], rest[idx+1:]
		}
		registry, repository, ok := strings.Cut(repoPath, "/")
		if !ok || registry == "" || repository == "" {
			return nil, errdefs.InvalidArgumentf("invalid oci uri: %s", uri)
		}
		return &Source{Scheme: SchemeOCI, Registry: registry, Repository: repository, Tag: tag}, nil

	case strings.HasPrefix(uri, "https://") || strings.HasPrefix(uri, "http://"):
		return &Source{Scheme: SchemeHTTPS, URL: uri}, nil

	case strings.HasPrefix(uri, "s3://"):
		rest := uri[len("s3://"):]
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return nil, errdefs.InvalidArgumentf("invalid s3 uri: %s", uri)
		}
		return &Source{Scheme: SchemeS3, Bucket: bucket, Key: key}, nil

	case strings.HasPrefix(uri, "git://"):
		rest := uri
		ref := "main"
		if idx := strings.LastIndexByte(uri, '#'); idx >= 0 {
			rest, ref = uri[:idx], uri[idx+1:]
		}
		return &Source{Scheme: SchemeGit, GitURL: rest, Ref: ref}, nil

	case strings.HasPrefix(uri, "file://"):
		return &Source{Scheme: SchemeFile, Path: strings.TrimPrefix(uri, "file://")}, nil

	case strings.HasPrefix(uri, "./") || strings.HasPrefix(uri, "/"):
		return &Source{Scheme: SchemeFile, Path: uri}, nil

	default:
		scheme, _, ok := strings.Cut(uri, "://")
		if !ok {
			return nil, errdefs.InvalidArgumentf("invalid source uri: %s", uri)
		}
		return nil, errdefs.InvalidArgumentf("unsupported source scheme: %s", scheme)
	}
}
