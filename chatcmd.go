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

	"github.com/dreammall/signal/internal/config"
	"github.com/dreammall/signal/pkg/chat"
	"github.com/dreammall/signal/pkg/peer"
	"github.com/dreammall/signal/pkg/relayclient"
)

func newChatCmd(g *globalFlags) *cobra.Command {
	var (
		relayURL string
		name     string
		manual   bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join the mall from a terminal: chat with everyone and call peers directly",
		Long: `Connects to a relay, chats with every participant and opens peer
connections to them. Lines typed are sent as chat messages. Commands:

  /call <id>     start a call
  /hangup <id>   end a call
  /peers         list calls and their state
  /quit          leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if relayURL != "" {
				cfg.Peer.RelayURL = relayURL
			}
			if name != "" {
				cfg.Peer.Name = name
			}
			if cmd.Flags().Changed("manual") {
				cfg.Peer.ManualConnect = manual
			}
			return runChat(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay websocket URL, overrides peer.relay_url")
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	cmd.Flags().BoolVar(&manual, "manual", false, "do not call participants as they join")
	return cmd
}

// console is the part of the chat client driven by typed lines.
type console interface {
	Call(remoteID string) error
	Hangup(remoteID string)
	Send(text string) error
	Sessions() []peer.SessionInfo
}

// printer serializes writes from callbacks and the input loop.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func runChat(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	log := newLogger(cfg.Log, "chat")
	p := &printer{out: out}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc, err := relayclient.Dial(ctx, cfg.Peer.RelayURL, relayclient.Options{Logger: log})
	if err != nil {
		return err
	}
	defer rc.Close()

	factory, err := peer.NewPionFactory(peer.PionOptions{
		ICEServers:      rc.ICEServers(),
		Logger:          log,
		Verbose:         cfg.Log.Debug,
		PortMin:         cfg.Peer.PortMin,
		PortMax:         cfg.Peer.PortMax,
		IncludeLoopback: cfg.Peer.IncludeLoopback,
	})
	if err != nil {
		return err
	}

	var media peer.MediaSource = peer.NoMedia{}
	if cfg.Peer.Audio || cfg.Peer.Video {
		media = peer.SampleSource{StreamID: "dreammall-" + rc.ID()}
	}

	client := chat.New(rc, factory, chat.Options{
		Logger:             log,
		AutoConnect:        !cfg.Peer.ManualConnect,
		Name:               cfg.Peer.Name,
		Media:              media,
		Constraints:        peer.Constraints{Audio: cfg.Peer.Audio, Video: cfg.Peer.Video},
		NegotiationTimeout: cfg.Peer.NegotiationTimeout,
		OnMessage: func(m chat.Message) {
			via := "relay"
			if m.Direct {
				via = "direct"
			}
			p.printf("[%s] %s (%s): %s\n", m.Timestamp.Local().Format(time.Kitchen), m.From, via, m.Text)
		},
		OnPeer: func(remoteID string, s peer.State) {
			p.printf("* %s is %s\n", remoteID, s)
		},
		OnCount: func(n int) {
			p.printf("* %d in the mall\n", n)
		},
	})
	p.printf("connected as %s\n", rc.ID())

	return serve(ctx, client.Run, in, client, p)
}

// serve runs the client and feeds it typed lines. It returns only after
// run has returned, so every call is torn down before the process exits.
func serve(ctx context.Context, run func(context.Context) error, in io.Reader, c console, p *printer) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- run(runCtx) }()

	leave := func() error {
		cancel()
		if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case err := <-runErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return leave()
			}
			if quit := execLine(c, line, p); quit {
				return leave()
			}
		}
	}
}

// execLine runs one typed line and reports whether the user asked to quit.
func execLine(c console, line string, p *printer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := c.Send(line); err != nil {
			p.printf("! not sent: %v\n", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/call":
		if arg == "" {
			p.printf("! usage: /call <id>\n")
			return false
		}
		if err := c.Call(arg); err != nil {
			p.printf("! call %s: %v\n", arg, err)
		}
	case "/hangup":
		if arg == "" {
			p.printf("! usage: /hangup <id>\n")
			return false
		}
		c.Hangup(arg)
	case "/peers":
		sessions := c.Sessions()
		if len(sessions) == 0 {
			p.printf("* no calls\n")
		}
		for _, s := range sessions {
			p.printf("* %s %s channels=%v\n", s.RemoteID, s.State, s.Channels)
		}
	default:
		p.printf("! unknown command %s\n", cmd)
	}
	return false
}
