package main

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Ledger tracks which ghnums have ever been consumed by this clone, so
// a closed PR whose branches were deleted (and therefore invisible to a
// for-each-ref scan) can't have its number handed out again. It is a
// small YAML file at .git/ghstack/state.yml.
type Ledger struct {
	mu   sync.Mutex
	path string
	data ledgerData
}

type ledgerData struct {
	NextGhNum int   `yaml:"next_gh_num"`
	Consumed  []int `yaml:"consumed"`
}

func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path, data: ledgerData{NextGhNum: 1}}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, wrapf(err, "failed to read ghnum ledger at %v", path)
	}
	if err := yaml.Unmarshal(raw, &l.data); err != nil {
		return nil, wrapf(err, "failed to parse ghnum ledger at %v", path)
	}
	if l.data.NextGhNum == 0 {
		l.data.NextGhNum = 1
	}
	return l, nil
}

func (l *Ledger) isConsumed(n int) bool {
	for _, c := range l.data.Consumed {
		if c == n {
			return true
		}
	}
	return false
}

// Allocate returns the next unused ghnum strictly greater than any number
// already consumed or currently in use (inUse, gathered from a
// for-each-ref scan by select.go), and records it as consumed.
func (l *Ledger) Allocate(inUse map[int]bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.data.NextGhNum
	for inUse[n] || l.isConsumed(n) {
		n++
	}
	l.data.Consumed = append(l.data.Consumed, n)
	l.data.NextGhNum = n + 1
	return n
}

// MarkLanded records a ghnum as permanently consumed once its stack entry
// has landed and its branches were deleted.
func (l *Ledger) MarkLanded(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isConsumed(n) {
		l.data.Consumed = append(l.data.Consumed, n)
	}
}

func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return wrapf(err, "failed to create ghnum ledger directory")
	}
	raw, err := yaml.Marshal(l.data)
	if err != nil {
		return wrapf(err, "failed to marshal ghnum ledger")
	}
	if err := os.WriteFile(l.path, raw, 0o644); err != nil {
		return wrapf(err, "failed to write ghnum ledger at %v", l.path)
	}
	return nil
}
