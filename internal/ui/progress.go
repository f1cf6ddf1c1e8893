package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"bigxfer/internal/transfer"
	"bigxfer/pkg/utils"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Progress renders transfer hooks as one progress bar per file and a
// summary on completion.
type Progress struct {
	out       io.Writer
	operation string // "Sending" or "Receiving"

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
	done chan transfer.Summary
}

// NewProgress writes bars and summaries to out.
func NewProgress(operation string, out io.Writer) *Progress {
	return &Progress{
		out:       out,
		operation: operation,
		bars:      make(map[string]*progressbar.ProgressBar),
		done:      make(chan transfer.Summary, 1),
	}
}

// Completed receives the summary of each finished transfer.
func (p *Progress) Completed() <-chan transfer.Summary {
	return p.done
}

// Hooks returns observer callbacks feeding this display. Callers may
// chain their own callbacks on the returned value.
func (p *Progress) Hooks() transfer.Hooks {
	return transfer.Hooks{
		OnProgress:    p.update,
		OnCheckpoint:  p.checkpoint,
		OnComplete:    p.complete,
		OnError:       p.fail,
		OnStateChange: p.stateChange,
	}
}

func (p *Progress) bar(fileID string, total int64) *progressbar.ProgressBar {
	if bar, ok := p.bars[fileID]; ok {
		return bar
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(p.operation),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
	p.bars[fileID] = bar
	return bar
}

func (p *Progress) update(u transfer.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bar := p.bar(u.FileID, u.TotalBytes)
	_ = bar.Set64(u.BytesTransferred)
	bar.Describe(fmt.Sprintf("%s (%.1f%%, %s/s, ETA %s)",
		p.operation, u.Percentage, utils.FormatFileSize(int64(u.Speed)), u.ETA.Round(time.Second)))
}

func (p *Progress) checkpoint(fileID string, direction transfer.Direction, idx int) {
	logrus.WithFields(logrus.Fields{
		"file_id":    fileID,
		"direction":  direction.String(),
		"checkpoint": idx,
	}).Debug("Checkpoint committed")
}

func (p *Progress) complete(s transfer.Summary) {
	p.mu.Lock()
	if bar, ok := p.bars[s.FileID]; ok {
		_ = bar.Finish()
		delete(p.bars, s.FileID)
	}
	p.mu.Unlock()

	p.showTransferSummary(s)
	select {
	case p.done <- s:
	default:
	}
}

func (p *Progress) fail(err *transfer.Error) {
	p.mu.Lock()
	if bar, ok := p.bars[err.FileID]; ok {
		_ = bar.Exit()
		delete(p.bars, err.FileID)
	}
	p.mu.Unlock()

	logrus.WithField("file_id", err.FileID).WithError(err).Error("Transfer error")
}

func (p *Progress) stateChange(fileID string, direction transfer.Direction, to, from transfer.State) {
	logrus.WithFields(logrus.Fields{
		"file_id":   fileID,
		"direction": direction.String(),
		"from":      from.String(),
		"to":        to.String(),
	}).Debug("Transfer state changed")
}

func (p *Progress) showTransferSummary(s transfer.Summary) {
	throughput := 0.0
	if secs := s.Duration.Seconds(); secs > 0 {
		throughput = float64(s.BytesTransferred) / secs
	}

	fmt.Fprintf(p.out, "\n=============================================\n")
	fmt.Fprintf(p.out, "File transfer completed successfully!\n")
	fmt.Fprintf(p.out, "+ File: %s (%s)\n", s.FileName, utils.FormatFileSize(s.FileSize))
	fmt.Fprintf(p.out, "+ Transferred this session: %s\n", utils.FormatFileSize(s.BytesTransferred))
	fmt.Fprintf(p.out, "+ Transfer time: %s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(p.out, "+ Average throughput: %s/s\n", utils.FormatFileSize(int64(throughput)))
	fmt.Fprintf(p.out, "=============================================\n")
}
