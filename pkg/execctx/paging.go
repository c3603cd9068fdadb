package execctx

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// pagingLog is the append-only file backing one Context's Write output. The
// name comes from containerd's lease files: a resource opened when its
// Context is constructed (NewRoot or CreateChild) and closed by Complete;
// Close is safe to call more than once.
type pagingLog struct {
	mu   sync.Mutex
	file *os.File
}

func newPagingLog(logsDir, recordID string) (*pagingLog, error) {
	if logsDir == "" {
		f, err := os.CreateTemp("", "fleetagent-log-*.txt")
		if err != nil {
			return nil, err
		}
		return &pagingLog{file: f}, nil
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	path := filepath.Join(logsDir, recordID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open paging log: %w", err)
	}
	return &pagingLog{file: f}, nil
}

// WriteLine appends one line, adding the trailing newline if missing.
func (p *pagingLog) WriteLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	_, err := p.file.WriteString(line)
	return err
}

// Close releases the underlying file. Safe to call more than once.
func (p *pagingLog) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}
