package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/codefionn/aardvark-hub/internal/client"
	"github.com/codefionn/aardvark-hub/internal/grab"
	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/codefionn/aardvark-hub/internal/protocol"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	monitorURL        string
	monitorTraceGrabs bool
	monitorFull       bool
)

// monitorCmd connects to a running hub as a Monitor and prints its traffic
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print the traffic of a running hub",
	Long: "Connect to a hub as a Monitor endpoint and print every message it forwards to monitors. " +
		"With --trace-grabs, grabber states are also fed through a local grab state machine " +
		"and the events it would emit are printed next to the real ones.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		defer closeLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := newTrafficMonitor(cmd.OutOrStdout(), monitorTraceGrabs)
		if !monitorFull {
			m.width = terminalWidth(os.Stdout)
		}
		ep := client.New(client.Options{
			URL:     monitorURL,
			Type:    protocol.EndpointMonitor,
			Default: m.print,
			OnHandshake: func(id int, _ json.RawMessage) {
				m.printf("connected as monitor #%d\n", id)
			},
			Logger: logger.Global().WithPrefix("monitor"),
		})
		ep.RegisterHandler(protocol.MessageGrabberState, m.onGrabberState)
		ep.RegisterHandler(protocol.MessageGrabEvent, m.onGrabEvent)
		ep.RegisterHandler(protocol.MessageLostEndpoint, m.onLostEndpoint)

		if err := ep.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorURL, "url", client.DefaultURL, "Websocket URL of the hub")
	monitorCmd.Flags().BoolVar(&monitorTraceGrabs, "trace-grabs", false, "Shadow every grabber with a local grab state machine")
	monitorCmd.Flags().BoolVar(&monitorFull, "full", false, "Never shorten payloads to the terminal width")
}

// terminalWidth returns the width of f, or 0 when f is not a terminal
func terminalWidth(f *os.File) int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	if width, _, err := term.GetSize(fd); err == nil && width > 0 {
		return width
	}
	return 0
}

type trafficMonitor struct {
	mu     sync.Mutex
	out    io.Writer
	shadow *grab.Router
	// width shortens printed lines; 0 prints them whole
	width int
}

func newTrafficMonitor(out io.Writer, traceGrabs bool) *trafficMonitor {
	m := &trafficMonitor{out: out}
	if traceGrabs {
		m.shadow = grab.NewRouter(m.printShadow, grab.Options{
			Logger: logger.Global().WithPrefix("grab"),
		})
	}
	return m
}

func (m *trafficMonitor) printf(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.out, format, args...)
}

func (m *trafficMonitor) print(env *protocol.Envelope) {
	target := ""
	if env.Target != nil {
		target = " -> " + env.Target.String()
	}
	m.printf("%s\n", m.fit(fmt.Sprintf("%-24s %s%s %s", env.Type, env.Sender, target, env.Payload)))
}

// fit shortens line to width runes, cutting on a rune boundary
func (m *trafficMonitor) fit(line string) string {
	if m.width <= 3 || utf8.RuneCountInString(line) <= m.width {
		return line
	}
	kept, cut := 0, 0
	for i := range line {
		if kept == m.width-3 {
			cut = i
			break
		}
		kept++
	}
	return line[:cut] + "..."
}

func (m *trafficMonitor) printShadow(evt protocol.GrabEvent) {
	line := fmt.Sprintf("%-24s grabber=%s grabbable=%s", "shadow "+evt.Type.String(), evt.GrabberID, evt.GrabbableID)
	if evt.Highlight != nil {
		line = fmt.Sprintf("%-24s grabber=%s highlight=%s", "shadow "+evt.Type.String(), evt.GrabberID, *evt.Highlight)
	}
	if evt.RequestID != 0 {
		line += fmt.Sprintf(" request=%d", evt.RequestID)
	}
	m.printf("%s\n", line)
}

func (m *trafficMonitor) onGrabberState(env *protocol.Envelope) {
	m.print(env)
	if m.shadow == nil {
		return
	}
	var state protocol.MsgGrabberState
	if err := env.Decode(&state); err != nil {
		logger.Warn("undecodable grabber state: %v", err)
		return
	}
	m.shadow.HandleGrabberState(state)
}

func (m *trafficMonitor) onGrabEvent(env *protocol.Envelope) {
	m.print(env)
	if m.shadow == nil {
		return
	}
	var msg protocol.MsgGrabEvent
	if err := env.Decode(&msg); err != nil {
		logger.Warn("undecodable grab event: %v", err)
		return
	}
	m.shadow.HandleGrabEvent(msg.Event)
}

func (m *trafficMonitor) onLostEndpoint(env *protocol.Envelope) {
	m.print(env)
	if m.shadow == nil {
		return
	}
	var msg protocol.MsgLostEndpoint
	if err := env.Decode(&msg); err != nil {
		return
	}
	if n := m.shadow.ForgetEndpoint(msg.EndpointID); n > 0 {
		logger.Debug("stopped shadowing %d grabbers of endpoint %d", n, msg.EndpointID)
	}
}
