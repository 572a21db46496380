package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/buildroom/internal/build"
	"github.com/iammorganparry/clive/apps/buildroom/internal/channel"
	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

// cancelGrace is how long we wait for the server to confirm a cancel.
const cancelGrace = 5 * time.Second

var errBuildAborted = errors.New("build aborted")

type buildFlags struct {
	siteType   string
	style      string
	color      string
	font       string
	quality    string
	animations bool
	responsive bool
	darkMode   bool
	images     bool
	manual     bool
	out        string
	timeout    time.Duration
}

func newBuildCmd(opts *globalOptions) *cobra.Command {
	f := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "build <brief>",
		Short: "Start a build and stream it until the site is written",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, opts, f, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&f.siteType, "site-type", "", "landing, portfolio, blog, ecommerce, dashboard or custom")
	cmd.Flags().StringVar(&f.style, "style", "", "modern-dark, clean-minimal, bold-colorful, corporate or retro")
	cmd.Flags().StringVar(&f.color, "color", "", "primary color as #rgb or #rrggbb")
	cmd.Flags().StringVar(&f.font, "font", "", "font preference")
	cmd.Flags().StringVar(&f.quality, "quality", "", "speed, balanced or perfectionist")
	cmd.Flags().BoolVar(&f.animations, "animations", true, "allow animations")
	cmd.Flags().BoolVar(&f.responsive, "responsive", true, "build a responsive layout")
	cmd.Flags().BoolVar(&f.darkMode, "dark-mode", false, "include a dark mode")
	cmd.Flags().BoolVar(&f.images, "images", false, "include image placeholders")
	cmd.Flags().BoolVar(&f.manual, "manual-approval", false, "wait for enter before each phase")
	cmd.Flags().StringVarP(&f.out, "out", "o", "./site", "directory to write the finished site to")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "cancel the build after this long (0 waits forever)")
	return cmd
}

// options validates the flags locally so obvious mistakes fail before
// connecting.
func (f *buildFlags) options() (models.BuildOptions, error) {
	o := models.BuildOptions{
		SiteType:       models.SiteType(f.siteType),
		StylePreset:    models.StylePreset(f.style),
		PrimaryColor:   f.color,
		FontPreference: f.font,
		CodeQuality:    models.CodeQuality(f.quality),
		Animations:     f.animations,
		Responsive:     f.responsive,
		DarkMode:       f.darkMode,
		IncludeImages:  f.images,
		ManualApproval: f.manual,
	}
	switch {
	case o.SiteType != "" && !o.SiteType.IsValid():
		return o, fmt.Errorf("invalid --site-type %q", f.siteType)
	case o.StylePreset != "" && !o.StylePreset.IsValid():
		return o, fmt.Errorf("invalid --style %q", f.style)
	case o.PrimaryColor != "" && !models.IsHexColor(o.PrimaryColor):
		return o, fmt.Errorf("invalid --color %q", f.color)
	case o.CodeQuality != "" && !o.CodeQuality.IsValid():
		return o, fmt.Errorf("invalid --quality %q", f.quality)
	}
	return o, nil
}

func runBuild(cmd *cobra.Command, opts *globalOptions, f *buildFlags, brief string) error {
	buildOpts, err := f.options()
	if err != nil {
		return err
	}
	url, err := wsURL(opts.server)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ch := channel.New(channel.Config{
		URL:    url,
		Logger: newLogger(cmd.ErrOrStderr(), opts.verbose),
	})
	obs := newObserver(ch, out, observerConfig{
		Dir:     f.out,
		Server:  opts.server,
		Brief:   brief,
		Options: buildOpts,
	})
	if f.manual {
		obs.approve = promptApproval(cmd.InOrStdin(), out)
	}
	ch.OnStateChange(obs.onState)
	ch.On("*", obs.handle)

	// Queued until the first connect.
	if err := ch.StartBuild(brief, buildOpts); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		ch.Run(runCtx)
	}()
	defer func() {
		cancelRun()
		<-runDone
	}()

	var deadline <-chan time.Time
	if f.timeout > 0 {
		t := time.NewTimer(f.timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case err := <-obs.done:
		obs.printConnection(ch)
		return err
	case <-ctx.Done():
		fmt.Fprintln(out, warnStyle.Render("cancelling build"))
	case <-deadline:
		fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("no result after %s, cancelling build", f.timeout)))
	}

	if err := ch.Cancel(); err != nil {
		return err
	}
	select {
	case err := <-obs.done:
		return err
	case <-time.After(cancelGrace):
		return errBuildAborted
	}
}

// controller is the part of the channel the observer drives.
type controller interface {
	Attach(sessionID string) error
	ApprovePhase() error
}

type observerConfig struct {
	Dir     string
	Server  string
	Brief   string
	Options models.BuildOptions
}

// observer renders a build as it streams and writes the result to disk.
type observer struct {
	ctl    controller
	out    io.Writer
	render *renderer
	cfg    observerConfig
	now    func() time.Time

	// approve blocks until the user releases the next phase. Nil leaves
	// the session waiting.
	approve func() bool

	outMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	finished  bool
	done      chan error
}

func newObserver(ctl controller, out io.Writer, cfg observerConfig) *observer {
	return &observer{
		ctl:    ctl,
		out:    out,
		render: newRenderer(),
		cfg:    cfg,
		now:    time.Now,
		done:   make(chan error, 1),
	}
}

func (o *observer) println(line string) {
	o.outMu.Lock()
	defer o.outMu.Unlock()
	fmt.Fprintln(o.out, line)
}

// onState queues a re-bind to the running session whenever a live
// connection drops. Attach jumps the offline queue, so the next connect
// binds the session before any backlog reaches it.
func (o *observer) onState(s channel.State, cerr *channel.ConnError) {
	o.println(renderState(s, cerr))

	switch s {
	case channel.StateDisconnected:
		o.mu.Lock()
		id, finished := o.sessionID, o.finished
		o.mu.Unlock()
		if id != "" && !finished {
			if err := o.ctl.Attach(id); err != nil {
				o.println(errorStyle.Render("attach: " + err.Error()))
			}
		}
	case channel.StateFailed:
		msg := "connection failed"
		if cerr != nil {
			msg = cerr.Message
		}
		o.finish(errors.New(msg))
	}
}

func (o *observer) handle(m channel.Message) {
	line, err := o.render.event(m)
	if err != nil {
		o.println(warnStyle.Render(fmt.Sprintf("unreadable %s event: %v", m.Type, err)))
		return
	}
	if line != "" {
		o.println(line)
	}

	switch m.Type {
	case models.EventSessionStarted:
		var e build.SessionStarted
		if m.Decode(&e) == nil {
			o.mu.Lock()
			o.sessionID = e.SessionID
			o.mu.Unlock()
		}

	case models.EventAwaitApproval:
		if o.approve != nil {
			go func() {
				if o.approve() {
					o.ctl.ApprovePhase()
				}
			}()
		}

	case models.EventPhaseChange:
		var e build.PhaseChange
		if m.Decode(&e) == nil && e.To == build.PhaseAborted {
			o.finish(errBuildAborted)
		}

	case models.EventBuildError:
		var e build.BuildError
		m.Decode(&e)
		o.finish(fmt.Errorf("build failed: %s", e.Message))

	case models.EventBuildComplete:
		var e build.BuildComplete
		if err := m.Decode(&e); err != nil {
			o.finish(fmt.Errorf("decode build result: %w", err))
			return
		}
		o.finish(o.complete(e))
	}
}

// complete writes the site and its manifest.
func (o *observer) complete(done build.BuildComplete) error {
	written, skipped, err := writeSite(o.cfg.Dir, done.Files)
	for _, p := range skipped {
		o.println(warnStyle.Render("skipped unsafe path " + p))
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	id := o.sessionID
	o.mu.Unlock()

	m := newManifest(id, o.cfg.Brief, o.cfg.Server, o.cfg.Options, done, o.now())
	m.Files = written
	if err := saveManifest(o.cfg.Dir, m); err != nil {
		return err
	}
	o.println(renderSummary(m, o.cfg.Dir))
	return nil
}

// finish reports the first outcome only.
func (o *observer) finish(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished {
		return
	}
	o.finished = true
	o.done <- err
}

func (o *observer) printConnection(ch *channel.Channel) {
	stats := ch.Stats()
	line := fmt.Sprintf("%d sent, %d received", stats.Sent, stats.Received)
	if latency, ok := ch.Latency(); ok {
		line += fmt.Sprintf(", %s link (%dms)", ch.Quality(), latency.Milliseconds())
	}
	o.println(dimStyle.Render(line))
}

// promptApproval reads one line from in for every phase awaiting approval.
func promptApproval(in io.Reader, out io.Writer) func() bool {
	reader := bufio.NewReader(in)
	var mu sync.Mutex
	return func() bool {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, dimStyle.Render("press enter to continue"))
		if _, err := reader.ReadString('\n'); err != nil {
			fmt.Fprintln(out, warnStyle.Render("stdin closed, build stays paused until cancelled"))
			return false
		}
		return true
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [dir]",
		Short: "Summarize a site written by build",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "./site"
			if len(args) == 1 {
				dir = args[0]
			}
			m, err := loadManifest(dir)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s\n", titleStyle.Render("session "+m.SessionID), dimStyle.Render(m.CompletedAt.Format(time.RFC3339)))
			fmt.Fprintln(w, m.Brief)
			for _, f := range m.Files {
				fmt.Fprintf(w, "  %s %s\n", fileStyle.Render(f.Path), dimStyle.Render(fmt.Sprintf("%d lines, %d bytes", f.LineCount, f.ByteSize)))
			}
			_, err = fmt.Fprintln(w, renderSummary(m, dir))
			return err
		},
	}
}
