package block

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/executor"
	"github.com/neoterm/neoterm/internal/logging"
	"github.com/neoterm/neoterm/internal/sandbox"
)

// Starter spawns authorized plans. *executor.Engine implements it.
type Starter interface {
	Start(ctx context.Context, plan *sandbox.Plan) (*executor.Handle, error)
}

// Driver runs blocks to completion.
type Driver struct {
	Logger *slog.Logger
	Now    func() time.Time
}

func (d *Driver) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func (d *Driver) logger(b *Block) *slog.Logger {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return logging.WithBlock(l, b.Seq(), b.ID().String())
}

// Run spawns plan for the queued block b and drives it to a terminal
// status. Only a spawn failure is returned; everything that happens after
// the process starts is recorded on the block.
func (d *Driver) Run(ctx context.Context, b *Block, engine Starter, plan *sandbox.Plan) error {
	log := d.logger(b)

	if s := b.Status(); s != StatusQueued {
		return nterrors.BlockInvalidTransition(b.Seq(), string(s), string(StatusRunning))
	}

	h, err := engine.Start(ctx, plan)
	if err != nil {
		log.Warn("spawn failed", "error", err)
		if ferr := b.Finish(StatusError, d.now(), nil, err.Error()); ferr != nil {
			log.Debug("block settled before spawn failure", "error", ferr)
		}
		return err
	}

	if err := b.attach(h, d.now()); err != nil {
		// Cancelled while the process was starting.
		log.Debug("block left queued state during spawn", "error", err)
		_ = h.Cancel()
		for range h.Output() {
		}
		_, _ = h.Wait(context.Background())
		return nil
	}
	log.Debug("block running", "pid", h.PID())

	for chunk := range h.Output() {
		b.Append(chunk)
	}

	// The handle reaps on its own; ctx only governs cancellation.
	exit, werr := h.Wait(context.Background())
	to, code, detail := settle(exit, werr)
	if err := b.Finish(to, d.now(), code, detail); err != nil {
		log.Error("settling block", "error", err)
		return nil
	}

	log.Info("block finished", "status", to, "exit_code", exit.Code, "duration", exit.Duration)
	return nil
}

func settle(exit executor.Exit, werr error) (Status, *int, string) {
	if werr != nil {
		return StatusError, nil, werr.Error()
	}
	code := exit.Code
	switch {
	case exit.TimedOut:
		return StatusCancelled, &code, "time limit exceeded"
	case exit.Cancelled:
		return StatusCancelled, &code, ""
	case exit.Code == 0:
		return StatusDone, &code, ""
	case exit.Signal != 0:
		return StatusError, &code, fmt.Sprintf("killed by %v", exit.Signal)
	default:
		return StatusError, &code, fmt.Sprintf("exit status %d", exit.Code)
	}
}
