// Package meta persists current_term, voted_for[term], and the root
// credential (spec.md §3, §6). Grounded on
// _examples/original_source/storage/meta.cc: term.data and vote.data
// are append-only, latest-line-wins files; root.data is a single
// "<username>\t<passwd>\n" line, written once at bootstrap and never
// rewritten afterward (spec.md §9 Open Question).
package meta

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tyronecai/ins/internal/fileutil"
	"github.com/tyronecai/ins/internal/xlog"
)

var logger = xlog.NewLogger("meta", xlog.INFO)

const (
	termFileName = "term.data"
	voteFileName = "vote.data"
	rootFileName = "root.data"
)

// Meta owns current_term, voted_for, and the root credential.
type Meta struct {
	mu sync.Mutex

	termPath string
	votePath string
	rootPath string

	currentTerm int64
	votedFor    map[int64]string // term -> candidate id, latest write wins

	rootUser   string
	rootPasswd string
}

// Open reads the persisted term/vote/root files under dataDir. Absent
// term/vote files read as empty; they are created by the first
// SetCurrentTerm/SetVotedFor. If root.data does not exist yet, it is
// bootstrapped from bootstrapRootUser/bootstrapRootPasswd and then
// never rewritten again.
func Open(dataDir, bootstrapRootUser, bootstrapRootPasswd string) (*Meta, error) {
	if err := fileutil.MkdirAll(dataDir); err != nil {
		return nil, err
	}

	m := &Meta{
		termPath: filepath.Join(dataDir, termFileName),
		votePath: filepath.Join(dataDir, voteFileName),
		rootPath: filepath.Join(dataDir, rootFileName),
		votedFor: make(map[int64]string),
	}

	term, err := readLastTerm(m.termPath)
	if err != nil {
		return nil, fmt.Errorf("meta: read term: %v", err)
	}
	m.currentTerm = term

	votes, err := readVotes(m.votePath)
	if err != nil {
		return nil, fmt.Errorf("meta: read votes: %v", err)
	}
	m.votedFor = votes

	user, passwd, ok, err := readRoot(m.rootPath)
	if err != nil {
		return nil, fmt.Errorf("meta: read root: %v", err)
	}
	if !ok {
		if bootstrapRootUser == "" {
			logger.Warning("no root credential found and no bootstrap root user configured")
		} else if err := writeRoot(m.rootPath, bootstrapRootUser, bootstrapRootPasswd); err != nil {
			return nil, fmt.Errorf("meta: bootstrap root: %v", err)
		} else {
			user, passwd = bootstrapRootUser, bootstrapRootPasswd
		}
	}
	m.rootUser, m.rootPasswd = user, passwd

	return m, nil
}

func readLastTerm(path string) (int64, error) {
	lines, err := readLines(path)
	if err != nil {
		return 0, err
	}
	var term int64
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		n, err := strconv.ParseInt(l, 10, 64)
		if err != nil {
			continue
		}
		term = n
	}
	return term, nil
}

func readVotes(path string) (map[int64]string, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	votes := make(map[int64]string)
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		fields := strings.SplitN(l, " ", 2)
		if len(fields) != 2 {
			continue
		}
		term, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		// at most one distinct voted_for per term: the latest line wins.
		votes[term] = fields[1]
	}
	return votes, nil
}

func readRoot(path string) (user, passwd string, ok bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", "", false, scanner.Err()
	}
	line := scanner.Text()
	idx := strings.IndexByte(line, '\t')
	if idx < 0 {
		return "", "", false, fmt.Errorf("meta: malformed root.data line %q", line)
	}
	return line[:idx], line[idx+1:], true, nil
}

func writeRoot(path, user, passwd string) error {
	line := fmt.Sprintf("%s\t%s\n", user, passwd)
	return fileutil.WriteSync(path, []byte(line), fileutil.PrivateFileMode)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// CurrentTerm returns the durable current_term.
func (m *Meta) CurrentTerm() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTerm
}

// SetCurrentTerm durably advances current_term. Any persistence
// failure is fatal per spec.md §7.
func (m *Meta) SetCurrentTerm(term int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := fileutil.AppendSync(m.termPath, strconv.FormatInt(term, 10)); err != nil {
		return fmt.Errorf("meta: persist current_term: %v", err)
	}
	m.currentTerm = term
	return nil
}

// VotedFor returns the recorded vote for term, if any.
func (m *Meta) VotedFor(term int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.votedFor[term]
	return v, ok
}

// SetVotedFor durably records that this node voted for candidateID in
// term, before the vote grant is sent (spec.md §4.6).
func (m *Meta) SetVotedFor(term int64, candidateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	line := fmt.Sprintf("%d %s", term, candidateID)
	if err := fileutil.AppendSync(m.votePath, line); err != nil {
		return fmt.Errorf("meta: persist voted_for: %v", err)
	}
	m.votedFor[term] = candidateID
	return nil
}

// RootCredential returns the bootstrap root username/password.
func (m *Meta) RootCredential() (user, passwd string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootUser, m.rootPasswd
}
