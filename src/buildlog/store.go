package buildlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/karrick/godirwalk"

	"github.com/lightbuildserver/lbs/src/core"
)

const logPrefix = "build-"
const logSuffix = ".log"

// A Store persists finished build logs on disk and numbers the builds of each target.
type Store struct {
	root    string
	maxAge  time.Duration
	keepMin int
	now     func() time.Time
}

// NewStore returns a new Store writing under the given root directory.
// Logs older than maxAgeDays are deleted when a new log is saved, but the newest
// keepMin logs of each target are always kept.
func NewStore(root string, maxAgeDays, keepMin int) *Store {
	return &Store{
		root:    root,
		maxAge:  time.Duration(maxAgeDays) * 24 * time.Hour,
		keepMin: keepMin,
		now:     time.Now,
	}
}

// Dir returns the directory that logs for the given target are stored in.
func (s *Store) Dir(target core.BuildTarget) string {
	return filepath.Join(s.root, filepath.FromSlash(target.LogPath()))
}

// Save stores the given log contents as the next build of the target and returns its build number.
func (s *Store) Save(target core.BuildTarget, contents string) (int, error) {
	dir := s.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}
	numbers, err := s.buildNumbers(dir)
	if err != nil {
		return 0, err
	}
	next := 1
	if len(numbers) > 0 {
		next = numbers[len(numbers)-1] + 1
	}
	next, err = writeLog(dir, next, contents)
	if err != nil {
		return 0, fmt.Errorf("failed to write build log: %w", err)
	}
	s.expire(dir, append(numbers, next))
	return next, nil
}

// writeLog writes contents to the first build number from next onwards that isn't taken yet,
// and returns the number it used. Creating the file exclusively claims the number, so
// concurrent saves of the same target never overwrite each other.
func writeLog(dir string, next int, contents string) (int, error) {
	for ; ; next++ {
		path := filepath.Join(dir, filename(next))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if os.IsExist(err) {
			continue
		} else if err != nil {
			return 0, err
		}
		if _, err := f.WriteString(contents); err != nil {
			f.Close()
			os.Remove(path)
			return 0, err
		}
		return next, f.Close()
	}
}

// Load returns the stored log of the given build.
func (s *Store) Load(target core.BuildTarget, number int) (string, error) {
	b, err := os.ReadFile(filepath.Join(s.Dir(target), filename(number)))
	return string(b), err
}

// Latest returns the number of the most recent stored build of the target, or 0 if there is none.
func (s *Store) Latest(target core.BuildTarget) int {
	numbers, err := s.buildNumbers(s.Dir(target))
	if err != nil || len(numbers) == 0 {
		return 0
	}
	return numbers[len(numbers)-1]
}

// buildNumbers returns the numbers of all builds stored in the given directory, in ascending order.
func (s *Store) buildNumbers(dir string) ([]int, error) {
	names, err := godirwalk.ReadDirnames(dir, nil)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to list build logs: %w", err)
	}
	numbers := make([]int, 0, len(names))
	for _, name := range names {
		if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, logPrefix), logSuffix)); err == nil && n > 0 {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)
	return numbers, nil
}

// expire deletes old logs from a directory, given the ascending numbers of the builds in it.
func (s *Store) expire(dir string, numbers []int) {
	if s.maxAge <= 0 || len(numbers) <= s.keepMin {
		return
	}
	cutoff := s.now().Add(-s.maxAge)
	for _, n := range numbers[:len(numbers)-s.keepMin] {
		path := filepath.Join(dir, filename(n))
		info, err := os.Stat(path)
		if err != nil {
			continue
		} else if info.ModTime().Before(cutoff) {
			log.Debug("Deleting expired build log %s", path)
			if err := os.Remove(path); err != nil {
				log.Warning("Failed to delete expired build log %s: %s", path, err)
			}
		}
	}
}

func filename(number int) string {
	return logPrefix + strconv.Itoa(number) + logSuffix
}
