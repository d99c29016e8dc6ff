package checkpoint

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"itchclaim/internal/components/assert"
	"itchclaim/internal/components/telemetry"
	"itchclaim/lib/osutil"
	"itchclaim/pkg/urlset"
)

const (
	FileActive         = "active.txt"
	FileIgnored        = "ignore.txt"
	FileProfiles       = "profiles.txt"
	FileProfilesActive = "profiles-active.txt"
	FileCursor         = "sale-stop.txt"
	FileResumeIndex    = "resume_index.txt"
	FileCollections    = "collections.txt"
)

const (
	report_store_flush = "store.flush"
)

var ErrMissingSeedFile = errors.New("missing seed file")

// Store persists a State as a directory of line oriented set files and a
// cursor file. Every file is replaced atomically so a crash leaves either the
// previous or the new version on disk.
type Store struct {
	dir        string
	flushEvery int
	pending    int
	tel        telemetry.API
}

// NewStore creates a store rooted at dir, flushEvery is the amount of
// Checkpoint calls between two writes (values below 1 mean every call).
func NewStore(dir string, flushEvery int, tel telemetry.API) *Store {
	assert.NotEmptyStr(dir)
	assert.NotNil(tel)
	if flushEvery < 1 {
		flushEvery = 1
	}
	return &Store{
		dir:        dir,
		flushEvery: flushEvery,
		tel:        telemetry.NewScopedAPI("checkpoint", tel),
	}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Load reads every set file, files that do not exist yet are empty sets.
func (s *Store) Load(owned urlset.Set) (*State, error) {
	state := NewState(owned)

	targets := []struct {
		name string
		set  urlset.Set
	}{
		{FileActive, state.Active},
		{FileIgnored, state.Ignored},
		{FileProfiles, state.Profiles},
		{FileProfilesActive, state.ProfilesActive},
	}
	for _, target := range targets {
		lines, err := readLines(s.path(target.name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", target.name, err)
		}
		for _, line := range lines {
			target.set.Add(line)
		}
	}

	cursor, _, err := s.LoadCursor()
	if err != nil {
		return nil, err
	}
	state.Cursor = cursor

	state.Normalize()
	return state, nil
}

// LoadCursor reads the resume cursor, found is false when no cursor was ever
// written.
func (s *Store) LoadCursor() (cursor int64, found bool, err error) {
	return s.LoadCursorFile(FileCursor)
}

// LoadCursorFile reads a single integer file.
func (s *Store) LoadCursorFile(name string) (cursor int64, found bool, err error) {
	lines, err := readLines(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	if len(lines) == 0 {
		return 0, false, nil
	}
	cursor, err = strconv.ParseInt(lines[0], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	return cursor, true, nil
}

func (s *Store) SaveCursor(cursor int64) error {
	return s.SaveCursorFile(FileCursor, cursor)
}

func (s *Store) SaveCursorFile(name string, cursor int64) error {
	return osutil.WriteFileAtomic(s.path(name), []byte(strconv.FormatInt(cursor, 10)+"\n"), 0644)
}

// Save writes every set file and the cursor. A cursor of 0 means no sale was
// scanned yet and leaves the cursor file alone.
func (s *Store) Save(state *State) error {
	targets := []struct {
		name string
		set  urlset.Set
	}{
		{FileActive, state.Active},
		{FileIgnored, state.Ignored},
		{FileProfiles, state.Profiles},
		{FileProfilesActive, state.ProfilesActive},
	}
	for _, target := range targets {
		err := osutil.WriteFileAtomic(s.path(target.name), formatSet(target.set), 0644)
		if err != nil {
			return fmt.Errorf("save %s: %w", target.name, err)
		}
	}
	if state.Cursor <= 0 {
		return nil
	}
	return s.SaveCursor(state.Cursor)
}

// Checkpoint marks a safe boundary (a finished page, profile or sale) and
// saves once enough boundaries have passed.
func (s *Store) Checkpoint(state *State) error {
	s.pending++
	if s.pending < s.flushEvery {
		return nil
	}
	return s.Flush(state)
}

// Flush saves unconditionally, it is called at the end of a run and on
// interrupt.
func (s *Store) Flush(state *State) error {
	s.pending = 0
	err := s.Save(state)
	if err != nil {
		s.tel.ReportBroken(report_store_flush, err, s.dir)
		return err
	}
	s.tel.ReportDebug(
		report_store_flush,
		"active", state.Active.Len(),
		"ignored", state.Ignored.Len(),
		"profiles", state.Profiles.Len(),
		"cursor", state.Cursor,
	)
	return nil
}

// ReadSeedList reads a read-only list file like collections.txt.
func (s *Store) ReadSeedList(name string) ([]string, error) {
	lines, err := readLines(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingSeedFile, s.path(name))
	}
	return lines, err
}

func formatSet(set urlset.Set) []byte {
	var out bytes.Buffer
	for _, line := range set.Sorted() {
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// readLines returns the trimmed non empty lines of a file.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
