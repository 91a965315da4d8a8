// Package artifact resolves the output image of a finished prompt. The
// backend records outputs in history before the file is served, so every
// candidate is probed before it is returned.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/comfy-relay/backend/internal/comfy"
)

var ErrNotFound = errors.New("artifact not found")

// errPending marks an attempt that found nothing usable yet.
var errPending = errors.New("artifact pending")

// Backend is the slice of the backend API the resolver needs.
type Backend interface {
	History(ctx context.Context, promptID string) (comfy.History, error)
	ViewURL(img comfy.ImageRef) string
	ViewAccessible(ctx context.Context, locator string) bool
}

// Artifact is a resolved, reachable output image.
type Artifact struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type Options struct {
	OutputNode  string
	MaxAttempts int
	BaseDelay   time.Duration
	StepDelay   time.Duration
}

type Resolver struct {
	backend Backend
	opts    Options
	logger  zerolog.Logger
}

func NewResolver(backend Backend, opts Options) *Resolver {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 12
	}
	return &Resolver{
		backend: backend,
		opts:    opts,
		logger:  log.With().Str("component", "artifact").Logger(),
	}
}

// Resolve polls history for promptID until an accessible output image shows
// up or the attempt budget runs out.
func (r *Resolver) Resolve(ctx context.Context, promptID string) (Artifact, error) {
	var found Artifact
	attempt := 0

	op := func() error {
		attempt++
		a, err := r.attempt(ctx, promptID)
		if err != nil {
			return err
		}
		found = a
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug().Str("prompt_id", promptID).Int("attempt", attempt).
			Dur("retry_in", wait).Msg(err.Error())
	}

	schedule := backoff.WithContext(newLinearBackOff(r.opts.MaxAttempts, r.opts.BaseDelay, r.opts.StepDelay), ctx)
	if err := backoff.RetryNotify(op, schedule, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Artifact{}, ctxErr
		}
		r.logger.Warn().Str("prompt_id", promptID).Int("attempts", attempt).Msg("No accessible output image")
		return Artifact{}, fmt.Errorf("%w: prompt %s after %d attempts", ErrNotFound, promptID, attempt)
	}
	r.logger.Info().Str("prompt_id", promptID).Str("url", found.URL).Int("attempt", attempt).Msg("Resolved output image")
	return found, nil
}

func (r *Resolver) attempt(ctx context.Context, promptID string) (Artifact, error) {
	history, err := r.backend.History(ctx, promptID)
	if err != nil {
		return Artifact{}, fmt.Errorf("history: %w", err)
	}
	entry, ok := history[promptID]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: prompt not in history", errPending)
	}
	if len(entry.Outputs) == 0 {
		return Artifact{}, fmt.Errorf("%w: no outputs yet", errPending)
	}
	img, ok := SelectImage(entry.Outputs, r.opts.OutputNode)
	if !ok {
		return Artifact{}, fmt.Errorf("%w: no output image", errPending)
	}
	locator := r.backend.ViewURL(img)
	if !r.backend.ViewAccessible(ctx, locator) {
		return Artifact{}, fmt.Errorf("%w: %s not accessible", errPending, img.Filename)
	}
	return Artifact{Filename: img.Filename, URL: locator}, nil
}

// SelectImage returns the first image of type "output" on the primary node.
// Failing that it scans every node, in sorted id order.
func SelectImage(outputs map[string]comfy.NodeOutput, primary string) (comfy.ImageRef, bool) {
	if img, ok := firstOutputImage(outputs[primary]); ok {
		return img, true
	}

	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if img, ok := firstOutputImage(outputs[id]); ok {
			return img, true
		}
	}
	return comfy.ImageRef{}, false
}

func firstOutputImage(out comfy.NodeOutput) (comfy.ImageRef, bool) {
	for _, img := range out.Images {
		if img.Type == "output" {
			return img, true
		}
	}
	return comfy.ImageRef{}, false
}

// linearBackOff waits base+n*step before retry n and stops after max
// operations in total. The first operation runs immediately.
type linearBackOff struct {
	max     int
	base    time.Duration
	step    time.Duration
	attempt int
}

func newLinearBackOff(max int, base, step time.Duration) *linearBackOff {
	return &linearBackOff{max: max, base: base, step: step}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.max {
		return backoff.Stop
	}
	return b.base + time.Duration(b.attempt)*b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
