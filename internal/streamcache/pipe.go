package streamcache

import (
	"context"
	"io"
	"os"
	"sync"
)

// pipe coordinates IO between the one writer producing a cache entry and
// any number of readers following it. The writer appends to a named file;
// each reader holds its own file descriptor on that file, reads until it
// catches up with the write cursor, and then sleeps until the writer
// either makes progress or finishes. Unix file semantics keep readers
// working even after the file is renamed or unlinked.
type pipe struct {
	name string
	w    *os.File

	m       sync.Mutex
	wcursor int64
	wnotify chan struct{}
	done    bool
	err     error
	doneCh  chan struct{}

	readers int
	// onAbandoned fires when the last reader detaches before production is
	// done. The cache uses it to cancel a build nobody is waiting for.
	onAbandoned func()
}

func newPipe(w *os.File, onAbandoned func()) *pipe {
	return &pipe{
		name:        w.Name(),
		w:           w,
		wnotify:     make(chan struct{}),
		doneCh:      make(chan struct{}),
		onAbandoned: onAbandoned,
	}
}

// Write appends to the backing file and wakes all waiting readers.
func (p *pipe) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)

	p.m.Lock()
	p.wcursor += int64(n)
	close(p.wnotify)
	p.wnotify = make(chan struct{})
	p.m.Unlock()

	return n, err
}

// closeWithError marks production as finished. A nil error means the
// backing file now holds the complete content. Safe to call once.
func (p *pipe) closeWithError(err error) {
	_ = p.w.Close()

	p.m.Lock()
	defer p.m.Unlock()

	p.done = true
	p.err = err
	close(p.doneCh)
}

// OpenReader returns a reader that delivers the pipe's content from offset
// 0. May be called at any point during or after production. The reader
// stops with the context's error when ctx is canceled, so a disconnected
// client releases its slot instead of waiting on the producer forever.
func (p *pipe) OpenReader(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(p.name)
	if err != nil {
		return nil, err
	}

	p.m.Lock()
	p.readers++
	p.m.Unlock()

	return &pipeReader{pipe: p, ctx: ctx, f: f}, nil
}

func (p *pipe) detachReader() {
	var abandoned bool

	p.m.Lock()
	p.readers--
	abandoned = p.readers == 0 && !p.done
	p.m.Unlock()

	if abandoned && p.onAbandoned != nil {
		p.onAbandoned()
	}
}

type pipeReader struct {
	pipe      *pipe
	ctx       context.Context
	f         *os.File
	off       int64
	closeOnce sync.Once
}

func (pr *pipeReader) Read(b []byte) (int, error) {
	for {
		p := pr.pipe

		p.m.Lock()
		wcursor, wnotify, done, err := p.wcursor, p.wnotify, p.done, p.err
		p.m.Unlock()

		if pr.off < wcursor {
			n, readErr := pr.f.Read(b)
			pr.off += int64(n)
			if n > 0 {
				// Delay the error; the next call will run into it again.
				return n, nil
			}
			if readErr != nil && readErr != io.EOF {
				return 0, readErr
			}
			// Hitting EOF before the write cursor means the writer's bytes
			// are not visible to us yet; fall through and wait.
		}

		if done {
			if pr.off >= wcursor {
				if err != nil {
					return 0, err
				}
				return 0, io.EOF
			}
			// Remaining bytes are on disk already, loop around to read them.
			continue
		}

		select {
		case <-wnotify:
		case <-p.doneCh:
		case <-pr.ctx.Done():
			return 0, pr.ctx.Err()
		}
	}
}

func (pr *pipeReader) Close() error {
	var err error
	pr.closeOnce.Do(func() {
		err = pr.f.Close()
		pr.pipe.detachReader()
	})
	return err
}
