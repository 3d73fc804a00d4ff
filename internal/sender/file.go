package sender

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/booking-notifications/internal/notify"
)

// FileSender appends one line per notification to a log file.  It stands in
// for the real providers during local runs.
type FileSender struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

var (
	_ notify.EmailSender = (*FileSender)(nil)
	_ notify.PhoneSender = (*FileSender)(nil)
)

func NewFileSender(path string) *FileSender {
	return &FileSender{path: path, now: time.Now}
}

func (s *FileSender) SendEmail(ctx context.Context, recipient, subject, body string, metadata map[string]string) error {
	line := fmt.Sprintf("[%s] email | to=%s | subject=%q | body=%q%s\n",
		s.now().UTC().Format(time.RFC3339), recipient, subject, body, formatMetadata(metadata))
	return s.write(ctx, line)
}

func (s *FileSender) SendPhone(ctx context.Context, recipient, text string) error {
	line := fmt.Sprintf("[%s] sms | to=%s | text=%q\n", s.now().UTC().Format(time.RFC3339), recipient, text)
	return s.write(ctx, line)
}

func (s *FileSender) write(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return notify.WrapTransient(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return notify.WrapTransient(fmt.Errorf("mkdir %s: %w", dir, err))
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return notify.WrapTransient(fmt.Errorf("open notification log: %w", err))
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return notify.WrapTransient(fmt.Errorf("write notification log: %w", err))
	}
	return nil
}

func formatMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " | %s=%s", k, m[k])
	}
	return b.String()
}
