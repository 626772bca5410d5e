package slot

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/loykin/svcmon/internal/logstore"
	"github.com/loykin/svcmon/internal/process"
)

// capture reads both streams until EOF and reports the exit once the
// process is reaped and its output drained.
func (s *Slot) capture(run uint64, proc *process.Process, pipes process.Pipes, captured chan struct{}) {
	var wg sync.WaitGroup
	wg.Add(2)
	go s.readStream(pipes.Stdout, logstore.Info, &wg)
	go s.readStream(pipes.Stderr, logstore.Error, &wg)
	go func() {
		wg.Wait()
		close(captured)
	}()

	<-proc.Done()
	s.awaitCapture(captured, pipes)

	select {
	case s.cmds <- command{kind: cmdExited, run: run}:
	case <-s.done:
	}
}

// awaitCapture waits for both readers to finish. A descendant that escaped
// the process group may keep a pipe open; after DrainTimeout the pipes are
// closed under the readers.
func (s *Slot) awaitCapture(captured chan struct{}, pipes process.Pipes) {
	t := time.NewTimer(s.opts.DrainTimeout)
	defer t.Stop()
	select {
	case <-captured:
	case <-t.C:
		s.logger.Warn("output still open after exit, closing pipes")
	}
	pipes.Close()
	<-captured
}

func (s *Slot) readStream(r io.Reader, sev logstore.Severity, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			s.appendLog(sev, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}
