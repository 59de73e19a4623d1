// Package launch starts one process per rank on the local machine, the way
// torchrun does for a single node.
package launch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Options configure Run.
type Options struct {
	NProc      int
	MasterAddr string // Default 127.0.0.1
	MasterPort int    // 0 picks a free port
	Binary     string // Default: this executable
	Args       []string
	Env        []string // Extra variables for every child
	Stdout     io.Writer
	Stderr     io.Writer
	Logger     *logrus.Entry
}

// ExitError reports the first child that failed.
type ExitError struct {
	Rank int
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("rank %d exited with status %d: %v", e.Rank, e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Run starts opts.NProc children with RANK, LOCAL_RANK, WORLD_SIZE,
// MASTER_ADDR and MASTER_PORT set and waits for all of them. The first
// failure kills the remaining children.
func Run(ctx context.Context, opts Options) error {
	if opts.NProc < 1 {
		return fmt.Errorf("nproc must be at least 1, got %d", opts.NProc)
	}
	if opts.MasterAddr == "" {
		opts.MasterAddr = "127.0.0.1"
	}
	if opts.MasterPort == 0 {
		port, err := freePort(opts.MasterAddr)
		if err != nil {
			return err
		}
		opts.MasterPort = port
	}
	if opts.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		opts.Binary = exe
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	log.WithFields(logrus.Fields{
		"nproc":  opts.NProc,
		"master": net.JoinHostPort(opts.MasterAddr, strconv.Itoa(opts.MasterPort)),
	}).Info("launching local processes")

	stdout := &lockedWriter{w: opts.Stdout}
	stderr := &lockedWriter{w: opts.Stderr}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}
	for rank := range opts.NProc {
		//nolint:gosec // G204: the binary and args are the caller's own
		cmd := exec.CommandContext(gctx, opts.Binary, opts.Args...)
		cmd.Env = append(os.Environ(), opts.Env...)
		cmd.Env = append(cmd.Env,
			"RANK="+strconv.Itoa(rank),
			"LOCAL_RANK="+strconv.Itoa(rank),
			"WORLD_SIZE="+strconv.Itoa(opts.NProc),
			"MASTER_ADDR="+opts.MasterAddr,
			"MASTER_PORT="+strconv.Itoa(opts.MasterPort),
		)
		outPipe, err := cmd.StdoutPipe()
		if err != nil {
			return abort(err)
		}
		errPipe, err := cmd.StderrPipe()
		if err != nil {
			return abort(err)
		}
		if err := cmd.Start(); err != nil {
			return abort(fmt.Errorf("start rank %d: %w", rank, err))
		}

		g.Go(func() error {
			var copyWG sync.WaitGroup
			copyWG.Add(2)
			go func() { defer copyWG.Done(); prefixLines(stdout, outPipe, rank) }()
			go func() { defer copyWG.Done(); prefixLines(stderr, errPipe, rank) }()
			copyWG.Wait()

			if err := cmd.Wait(); err != nil {
				code := -1
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					code = exitErr.ExitCode()
				}
				log.WithFields(logrus.Fields{"rank": rank, "code": code}).Warn("process failed")
				return &ExitError{Rank: rank, Code: code, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

func prefixLines(w io.Writer, r io.Reader, rank int) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	prefix := fmt.Sprintf("[rank %d] ", rank)
	for sc.Scan() {
		_, _ = fmt.Fprintln(w, prefix+sc.Text())
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("pick master port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
