package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// spinnerFrames cycle while a hub component is still coming up.
var spinnerFrames = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏") //nolint:gochecknoglobals // render table

// startupLog prints the hub's boot sequence, one checked-off line per
// component.
type startupLog struct {
	w     io.Writer
	isTTY bool
	mu    sync.Mutex
}

// newStartupLog writes boot progress to w. Without a TTY every step is
// a plain line; with one, in-flight steps animate.
func newStartupLog(w io.Writer, isTTY bool) *startupLog {
	return &startupLog{w: w, isTTY: isTTY}
}

// Step checks off a completed component.
func (s *startupLog) Step(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s\n", msg)
}

// StartSpinner announces a component that takes a while to come up and
// returns the function that checks it off. Safe to call the stop
// function more than once; only the first call prints.
func (s *startupLog) StartSpinner(msg string) func() {
	if !s.isTTY {
		s.mu.Lock()
		fmt.Fprintf(s.w, "%s\n", msg)
		s.mu.Unlock()

		return func() {
			s.Step(msg)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		frame := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprintf(s.w, "\r%c %s", spinnerFrames[frame], msg)
				s.mu.Unlock()
				frame = (frame + 1) % len(spinnerFrames)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()

			s.mu.Lock()
			defer s.mu.Unlock()
			fmt.Fprintf(s.w, "\r✓ %s\n", msg)
		})
	}
}
