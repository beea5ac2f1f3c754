package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr string
	watchInteractive bool
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVarP(&watchInteractive, "interactive", "i", false, "Send each stdin line to the watched room; /read, /clear and /leave act on it")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [room-id]",
	Short: "Follow the room list, or one room, in real time",
	Long: "Keep the room list in sync and print unread changes. With a room id, also\n" +
		"open that room and print its messages as they arrive.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runtimeConfig()
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		engine, transport, err := newEngine(cfg, reg)
		if err != nil {
			return err
		}
		defer transport.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: metricsMux(reg)}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("Metrics server failed")
				}
			}()
			defer srv.Close()
		}

		roomID := ""
		if len(args) == 1 {
			roomID = args[0]
		}
		printer := newLogPrinter(engine.Store(), roomID)
		engine.Store().OnChange(printer.onChange)

		if err := engine.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Room list unavailable: %s\n", chatsync.UserMessage(err))
		}
		defer engine.Stop()

		if roomID != "" {
			if err := engine.OpenRoom(ctx, roomID); err != nil {
				return userError(err)
			}
			defer engine.CloseRoom(roomID)
			printer.printNew()
		} else {
			for _, r := range engine.Store().Rooms() {
				fmt.Println(formatRoom(r))
			}
		}

		if watchInteractive {
			go readAndSend(ctx, stop, engine, roomID)
		}

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func readAndSend(ctx context.Context, stop func(), engine *chatsync.Engine, roomID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if handleLine(ctx, engine, roomID, scanner.Text(), os.Stderr) {
			stop()
			return
		}
	}
}

// handleLine runs one interactive line: a slash command or a message for the
// watched room. It reports whether the watch should end.
func handleLine(ctx context.Context, engine *chatsync.Engine, roomID, line string, errOut io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	target := valueOrDefault(strings.TrimSpace(arg), roomID)
	switch cmd {
	case "/read":
		if target == "" {
			fmt.Fprintln(errOut, "! usage: /read <room-id>")
			return false
		}
		engine.MarkRead(target)
		return false
	case "/clear":
		if target == "" {
			fmt.Fprintln(errOut, "! usage: /clear <room-id>")
			return false
		}
		engine.ClearHistory(target)
		return false
	case "/leave":
		if roomID == "" {
			fmt.Fprintln(errOut, "! no room is open")
			return false
		}
		if err := engine.LeaveRoom(roomID); err != nil {
			fmt.Fprintf(errOut, "! %s\n", chatsync.UserMessage(err))
		}
		return true
	}

	if roomID == "" {
		fmt.Fprintln(errOut, "! no room is open; watch a room to send")
		return false
	}
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := engine.Send(sendCtx, roomID, line, ""); err != nil {
		fmt.Fprintf(errOut, "! %s\n", chatsync.UserMessage(err))
	}
	return false
}

// logPrinter prints store changes: new and updated messages of the watched
// room, and unread counters of the others.
type logPrinter struct {
	store  *chatsync.Store
	roomID string

	mu     sync.Mutex
	seen   map[string]string // message id -> last printed rendering
	unread map[string]int
}

func newLogPrinter(store *chatsync.Store, roomID string) *logPrinter {
	return &logPrinter{
		store:  store,
		roomID: roomID,
		seen:   make(map[string]string),
		unread: make(map[string]int),
	}
}

func (p *logPrinter) onChange(c chatsync.Change) {
	switch c.Kind {
	case chatsync.ChangeLog:
		if c.RoomID == p.roomID {
			p.printNew()
		}
	case chatsync.ChangeRoom:
		if c.RoomID != p.roomID {
			p.printUnread(c.RoomID)
		}
	case chatsync.ChangeRemoved:
		fmt.Printf("- room %s removed\n", c.RoomID)
	}
}

// printNew prints confirmed messages not printed yet, and messages whose
// rendering changed (recall, reactions, pin).
func (p *logPrinter) printNew() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.store.Log(p.roomID) {
		if m.IsTemporary() {
			continue
		}
		line := formatMessage(m)
		prev, ok := p.seen[m.ID]
		switch {
		case !ok:
			fmt.Println(line)
		case prev != line:
			fmt.Println("~ " + line)
		}
		p.seen[m.ID] = line
	}
}

func (p *logPrinter) printUnread(roomID string) {
	r, ok := p.store.Room(roomID)
	if !ok {
		return
	}
	p.mu.Lock()
	changed := p.unread[roomID] != r.UnreadCount
	p.unread[roomID] = r.UnreadCount
	p.mu.Unlock()
	if changed && r.UnreadCount > 0 {
		fmt.Printf("* %s: %d unread · %s\n", valueOrDefault(r.Name, r.ID), r.UnreadCount, truncate(r.LastMessage, 40))
	}
}
