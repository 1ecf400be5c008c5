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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/chatsync"
)

var chatName string

func init() {
	chatCmd.Flags().StringVar(&chatName, "name", "", "Display name (defaults to the email local-part)")
	rootCmd.AddCommand(chatCmd)
}

var (
	errQuit      = errors.New("quit")
	errSignedOut = errors.New("signed out")
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join the chat room",
	Long: `Join the chat room and send every line typed as a message.

Commands:
  /clear   clear the screen log (history stays persisted)
  /reload  reload the persisted history
  /logout  sign out and leave
  /quit    leave without signing out`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		channel, err := newChannel(cfg)
		if err != nil {
			return err
		}
		store, closeStore, err := newStore(cfg, client)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		auth := chatsync.NewAuthClient(client, configPersister{})
		sessions := chatsync.NewSessionManager(auth, chatsync.WithSessionLogger(logger))
		ctrl := chatsync.NewController(sessions, channel, store, chatsync.WithLogger(logger))
		defer channel.Wait()
		defer ctrl.Close()

		out := newLogPrinter(os.Stdout)
		ctrl.On(chatsync.EventLogChanged, func(string, any) { out.render(ctrl.Messages()) })
		ctrl.On(chatsync.EventPersistFailed, func(_ string, payload any) {
			if f, ok := payload.(chatsync.PersistFailure); ok {
				fmt.Fprintf(os.Stderr, "! not saved: %q: %v\n", f.Message.Text, f.Err)
			}
		})
		signedOut := make(chan struct{}, 1)
		ctrl.On(chatsync.EventStateChanged, func(_ string, payload any) {
			if payload == chatsync.LifecycleSignedOut {
				select {
				case signedOut <- struct{}{}:
				default:
				}
			}
		})

		if err := ctrl.Start(ctx); err != nil {
			return err
		}
		if ctrl.Snapshot().State != chatsync.LifecycleActive {
			return fmt.Errorf("not signed in; run 'chatsync login <email>' first")
		}
		if err := ctrl.Join(chatName); err != nil {
			return err
		}

		lines := readLines(os.Stdin)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return errQuit
					}
					if err := handleLine(gctx, ctrl, line); err != nil {
						return err
					}
				}
			}
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-signedOut:
				return errSignedOut
			}
		})

		err = g.Wait()
		switch {
		case errors.Is(err, errSignedOut):
			fmt.Println("Signed out.")
			return nil
		case errors.Is(err, errQuit), err == nil:
			return nil
		default:
			return err
		}
	},
}

func handleLine(ctx context.Context, ctrl *chatsync.Controller, line string) error {
	switch strings.TrimSpace(line) {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/clear":
		ctrl.Clear()
		return nil
	case "/reload":
		return ctrl.Reload()
	case "/logout":
		if err := ctrl.SignOut(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "! remote sign-out failed: %v\n", err)
		}
		return errSignedOut
	}
	if err := ctrl.Compose(line); err != nil {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	}
	return nil
}

// readLines feeds stdin lines into a channel that closes on EOF. The reader
// goroutine is not joined; it ends with the process.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// logPrinter prints the chat log incrementally. When the log is replaced
// rather than extended (history load, clear) it reprints from scratch.
type logPrinter struct {
	w io.Writer

	mu      sync.Mutex
	printed []chatsync.Message
}

func newLogPrinter(w io.Writer) *logPrinter {
	return &logPrinter{w: w}
}

func (p *logPrinter) render(log []chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := len(p.printed)
	if !isPrefix(p.printed, log) {
		if len(p.printed) > 0 {
			fmt.Fprintln(p.w, "----")
		}
		start = 0
	}
	for _, m := range log[start:] {
		fmt.Fprintln(p.w, formatMessage(m))
	}
	p.printed = log
}

func isPrefix(prefix, log []chatsync.Message) bool {
	if len(prefix) > len(log) {
		return false
	}
	for i := range prefix {
		if prefix[i] != log[i] {
			return false
		}
	}
	return true
}
