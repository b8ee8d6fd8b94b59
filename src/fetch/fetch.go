// Package fetch downloads the packaging instructions of projects from their source hosts.
package fetch

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/lightbuildserver/lbs/src/core"
)

var log = logging.MustGetLogger("fetch")

// ErrMissingSource is returned when a project's packaging instructions could not be found.
var ErrMissingSource = errors.New("packaging instructions not found")

// A Fetcher downloads packaging instruction repositories named lbs-<project>.
type Fetcher struct {
	client  *retryablehttp.Client
	workDir string
}

// New returns a new Fetcher that extracts into the given directory.
func New(workDir string, retries int, retryWait, timeout time.Duration) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = retryWait
	client.RetryWaitMax = retryWait
	client.HTTPClient.Timeout = timeout
	client.Logger = leveledLogger{}
	return &Fetcher{client: client, workDir: workDir}
}

// RepoName returns the name of the repository holding a project's packaging instructions.
func RepoName(project string) string {
	return "lbs-" + project
}

// ArchiveURL returns the address of the tarball of the given branch of a project's packaging instructions.
func ArchiveURL(owner, project, branch string, settings *core.ProjectConfig) string {
	base := strings.TrimRight(settings.GitURL, "/")
	if base == "" {
		base = "https://github.com/" + owner
	}
	repo := RepoName(project)
	if settings.SourceHost == core.SourceHostGitLab {
		return fmt.Sprintf("%s/%s/-/archive/%s/%s-%s.tar.gz", base, repo, branch, repo, branch)
	}
	return fmt.Sprintf("%s/%s/archive/%s.tar.gz", base, repo, branch)
}

// NewDir returns a new directory, named lbs-<project>, for one copy of the given branch of a
// project's packaging instructions. Each call gets a directory of its own, so builds running
// at the same time never see each other's copies. The directory itself doesn't exist yet;
// Remove deletes it once it's no longer needed.
func (f *Fetcher) NewDir(owner, project, branch string) (string, error) {
	parent := filepath.Join(f.workDir, owner, project)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp(parent, strings.ReplaceAll(branch, "/", "_")+"-")
	if err != nil {
		return "", err
	}
	return filepath.Join(tmp, RepoName(project)), nil
}

// Remove deletes a directory returned by NewDir.
func (f *Fetcher) Remove(dir string) error {
	return os.RemoveAll(filepath.Dir(dir))
}

// Fetch downloads the given branch of a project's packaging instructions and extracts it
// into dir, which should come from NewDir. Anything already in dir is replaced.
func (f *Fetcher) Fetch(ctx context.Context, owner, project, branch string, settings *core.ProjectConfig, dir string) error {
	url := ArchiveURL(owner, project, branch, settings)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if settings.Token != "" {
		if settings.SourceHost == core.SourceHostGitLab {
			req.Header.Set("PRIVATE-TOKEN", settings.Token)
		} else {
			req.Header.Set("Authorization", "token "+settings.Token)
		}
	}
	log.Debug("Fetching %s", url)
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s returned 404", ErrMissingSource, url)
	} else if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: %s", url, resp.Status)
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := extract(resp.Body, dir); err != nil {
		return fmt.Errorf("failed to extract %s: %w", url, err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s contains no files", ErrMissingSource, url)
	}
	return nil
}

// extract unpacks a gzipped tarball into dest, stripping the top-level directory
// that source hosts wrap their archives in.
func extract(r io.Reader, dest string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gzr.Close()
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		name := stripComponent(hdr.Name)
		if name == "" {
			continue
		}
		path := filepath.Join(dest, name)
		if !strings.HasPrefix(path, dest+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %s escapes the destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(path, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, path); err != nil {
				return err
			}
		default:
			log.Debug("Skipping archive entry %s of type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// stripComponent removes the first element of an archive path.
func stripComponent(name string) string {
	name = strings.TrimPrefix(name, "./")
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		return strings.Trim(name[idx+1:], "/")
	}
	return ""
}

// leveledLogger adapts our logger to retryablehttp.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { log.Error("%s %s", msg, pairs(kv)) }
func (leveledLogger) Info(msg string, kv ...interface{})  { log.Info("%s %s", msg, pairs(kv)) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { log.Debug("%s %s", msg, pairs(kv)) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { log.Warning("%s %s", msg, pairs(kv)) }

func pairs(kv []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
