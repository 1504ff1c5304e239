// Package progress renders the scheduler's per-file and aggregate progress
// bars (SPEC_FULL.md §9 "Global state": the progress-bar output stream is a
// configurable sink injected from outside the core). DownloadUI is the
// terminal-backed sink, rendering to a discarded writer when stderr is not a
// terminal; NoOpSink satisfies the same interface silently for --quiet runs.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/matris/internal/transport"
)

// DownloadUI manages every concurrent file's progress bar plus the overall
// "files completed" bar, backed by mpb.
type DownloadUI struct {
	progress    *mpb.Progress
	isTerminal  bool
	totalFiles  int
	completed   int32
	overallBar  *mpb.Bar
	showPerFile bool
}

// NewDownloadUI builds a progress sink for totalFiles queued downloads.
// showPerFile controls whether individual file bars are created (mirrors
// Config.FileProgress); the aggregate bar is shown whenever stderr is a
// terminal, and no bar is created otherwise.
func NewDownloadUI(totalFiles int, showPerFile bool) *DownloadUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		enableANSIOnWindows(os.Stderr)
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(100),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	u := &DownloadUI{
		progress:    p,
		isTerminal:  isTerminal,
		totalFiles:  totalFiles,
		showPerFile: showPerFile,
	}

	if isTerminal {
		u.overallBar = p.New(int64(totalFiles),
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding(" ").Rbound("]"),
			mpb.PrependDecorators(decor.Name("total", decor.WCSyncSpaceR)),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
		)
	}

	return u
}

// StartFile implements transport.ProgressSink.
func (u *DownloadUI) StartFile(token transport.Token, name string, size int64) transport.FileProgress {
	if !u.showPerFile || !u.isTerminal {
		return &silentFileProgress{ui: u}
	}

	fb := &downloadFileBar{ui: u, name: name, size: size, lastUpdate: time.Now()}
	fb.bar = u.progress.New(size,
		mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(s decor.Statistics) string {
				retries := atomic.LoadInt32(&fb.retries)
				label := fmt.Sprintf("[%d/%d] %s (%.1f MiB)", token.N, u.totalFiles, truncatePath(name, 2), float64(size)/(1024*1024))
				if retries > 0 {
					return fmt.Sprintf("%s (retry %d)", label, retries)
				}
				return label
			}, decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
			decor.Name("  "),
			decor.Name("ETA ", decor.WCSyncWidth),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
		mpb.BarRemoveOnComplete(),
	)
	return fb
}

// Wait blocks until every bar has finished rendering. The aggregate bar only
// counts successful files, so it is ended here rather than left waiting for
// a total that failed files never reach.
func (u *DownloadUI) Wait() {
	if u.overallBar != nil {
		u.overallBar.Abort(false)
	}
	if u.progress != nil {
		u.progress.Wait()
	}
}

// LogWriter returns a writer safe to log through while bars are active.
func (u *DownloadUI) LogWriter() io.Writer {
	if u.progress != nil && u.isTerminal {
		return u.progress
	}
	return os.Stderr
}

func (u *DownloadUI) fileDone() {
	n := atomic.AddInt32(&u.completed, 1)
	if u.overallBar != nil {
		u.overallBar.SetCurrent(int64(n))
	}
}

type downloadFileBar struct {
	bar        *mpb.Bar
	ui         *DownloadUI
	name       string
	size       int64
	retries    int32
	lastUpdate time.Time
	written    int64
}

func (f *downloadFileBar) Add(n int) {
	f.written += int64(n)
	if f.bar == nil {
		return
	}
	now := time.Now()
	elapsed := now.Sub(f.lastUpdate)
	f.lastUpdate = now
	f.bar.EwmaIncrBy(n, elapsed)
}

func (f *downloadFileBar) SetRetry(count int) {
	atomic.StoreInt32(&f.retries, int32(count))
	if f.bar != nil && count > 0 {
		f.bar.SetRefill(f.written)
	}
}

func (f *downloadFileBar) Complete(err error) {
	if f.bar != nil {
		if err == nil {
			f.bar.SetCurrent(f.size)
			f.bar.SetTotal(f.size, true)
		} else {
			f.bar.Abort(false)
		}
	}
	if err == nil {
		f.ui.fileDone()
	}
}

// silentFileProgress tracks only the aggregate "completed" count — used
// when per-file bars are disabled but the overall bar is still active.
type silentFileProgress struct {
	ui *DownloadUI
}

func (s *silentFileProgress) Add(n int)          {}
func (s *silentFileProgress) SetRetry(count int) {}
func (s *silentFileProgress) Complete(err error) {
	if err == nil {
		s.ui.fileDone()
	}
}

// NoOpSink implements transport.ProgressSink by doing nothing, used for
// --quiet runs and whenever progress rendering is disabled entirely.
type NoOpSink struct{}

func (NoOpSink) StartFile(token transport.Token, name string, size int64) transport.FileProgress {
	return noOpFileProgress{}
}

type noOpFileProgress struct{}

func (noOpFileProgress) Add(n int)          {}
func (noOpFileProgress) SetRetry(count int) {}
func (noOpFileProgress) Complete(err error) {}

// truncatePath keeps only the last n path components, prefixed with an
// ellipsis when the path had more, so long destination paths don't blow out
// the bar's label width.
func truncatePath(p string, n int) string {
	parts := splitPath(p)
	if len(parts) <= n {
		return p
	}
	kept := parts[len(parts)-n:]
	out := ".../"
	for i, part := range kept {
		if i > 0 {
			out += "/"
		}
		out += part
	}
	return out
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' || p[i] == '\\' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	if start < len(p) {
		parts = append(parts, p[start:])
	}
	return parts
}
