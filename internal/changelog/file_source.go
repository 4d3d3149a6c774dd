package changelog

import (
	"bufio"
	"context"
	"fmt"
	"os"
)

// FileSource replays a JSONL changelog written by FileWriter. Lines up to
// FromOffset are skipped. After the last line the subscription reports Closed;
// a malformed line reports ChannelError.
type FileSource struct {
	Path       string
	FromOffset int64
}

func NewFileSource(path string, fromOffset int64) *FileSource {
	return &FileSource{Path: path, FromOffset: fromOffset}
}

func (f *FileSource) Subscribe(ctx context.Context, tables []string, sink Sink) (Subscription, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open changelog: %w", err)
	}
	s := newSubscription(ctx, tables, sink)
	go func() {
		defer close(s.done)
		defer file.Close()
		s.status(Subscribed, nil)

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		lineNum := int64(0)
		for scanner.Scan() {
			if s.ctx.Err() != nil {
				return
			}
			lineNum++
			if lineNum <= f.FromOffset || len(scanner.Bytes()) == 0 {
				continue
			}
			ev, err := Decode(scanner.Bytes())
			if err != nil {
				s.fail(ChannelError, fmt.Errorf("line %d: %w", lineNum, err))
				return
			}
			s.event(ev)
		}
		if err := scanner.Err(); err != nil {
			s.fail(ChannelError, fmt.Errorf("scan changelog: %w", err))
			return
		}
		s.fail(Closed, nil)
	}()
	return s, nil
}
