package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jpalmerr/pingstream/check"
)

const reconnectDelay = 2 * time.Second

var errStreamEnded = errors.New("server closed the stream")

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("0")).
			Padding(0, 2).
			MarginBottom(1)

	liveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	downStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	headStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("7"))

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	footStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Padding(1, 0)
)

// watchCmd follows a running server's result stream in the terminal.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live results from a running server",
	Long: `Connect to a running pingstream server's /events stream and show the
latest result of every URL in a live terminal table.

The connection is retried if the server goes away.

Example:
  pingstream watch
  pingstream watch --server http://monitor.internal:8080 --target <id>`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("server", "http://localhost:8080", "base URL of the pingstream server")
	watchCmd.Flags().String("target", "", "only show results for this target ID")
}

func runWatch(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	target, _ := cmd.Flags().GetString("target")

	endpoint, err := eventsURL(server, target)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newWatchModel(ctx, cancel, endpoint), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

// eventsURL builds the stream URL for server, optionally filtered to target.
func eventsURL(server, target string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(server), "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid --server %q: want http(s)://host[:port]", server)
	}
	u.Path += "/events"
	if target != "" {
		u.RawQuery = url.Values{"target": {target}}.Encode()
	}
	return u.String(), nil
}

// --- messages ---

type resultMsg check.Result

type streamOpenMsg struct{}

type streamClosedMsg struct{ err error }

type reconnectMsg struct{}

// --- model ---

type watchModel struct {
	ctx      context.Context
	cancel   context.CancelFunc
	endpoint string
	msgs     chan tea.Msg

	order    []check.TargetID
	latest   map[check.TargetID]check.Result
	received int
	live     bool
	lastErr  string
}

func newWatchModel(ctx context.Context, cancel context.CancelFunc, endpoint string) watchModel {
	return watchModel{
		ctx:      ctx,
		cancel:   cancel,
		endpoint: endpoint,
		msgs:     make(chan tea.Msg, 64),
		latest:   make(map[check.TargetID]check.Result),
	}
}

func (m watchModel) Init() tea.Cmd {
	return m.connect()
}

// connect starts one stream reader and waits for its first message.
func (m watchModel) connect() tea.Cmd {
	go streamEvents(m.ctx, m.endpoint, m.msgs)
	return waitForMsg(m.msgs)
}

func waitForMsg(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case resultMsg:
		r := check.Result(msg)
		if _, ok := m.latest[r.TargetID]; !ok {
			m.order = append(m.order, r.TargetID)
		}
		m.latest[r.TargetID] = r
		m.received++
		return m, waitForMsg(m.msgs)

	case streamOpenMsg:
		m.live = true
		m.lastErr = ""
		return m, waitForMsg(m.msgs)

	case streamClosedMsg:
		m.live = false
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		}
		if m.ctx.Err() != nil {
			return m, tea.Quit
		}
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.connect()

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.cancel()
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(" pingstream "))
	b.WriteString("\n")
	if m.live {
		b.WriteString(liveStyle.Render("● live"))
	} else {
		b.WriteString(downStyle.Render("● disconnected"))
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %s  %d results", m.endpoint, m.received)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(dimStyle.Render("waiting for results..."))
		b.WriteString("\n")
	} else {
		b.WriteString(headStyle.Render(fmt.Sprintf("%-8s  %-19s  %6s  %5s  %s", "STATUS", "TIME", "MS", "CODE", "URL")))
		b.WriteString("\n")
		for _, id := range m.order {
			b.WriteString(renderRow(m.latest[id]))
			b.WriteString("\n")
		}
	}

	if m.lastErr != "" {
		b.WriteString("\n")
		b.WriteString(failStyle.Render("stream error: " + m.lastErr))
		b.WriteString("\n")
	}

	b.WriteString(footStyle.Render("Press q or Ctrl+C to quit."))
	return b.String()
}

func renderRow(r check.Result) string {
	status := okStyle.Render(fmt.Sprintf("%-8s", "Success"))
	if !r.OK() {
		status = failStyle.Render(fmt.Sprintf("%-8s", "Error"))
	}
	code := "-"
	if r.StatusCode != 0 {
		code = fmt.Sprint(r.StatusCode)
	}
	line := fmt.Sprintf("%s  %-19s  %6d  %5s  %s",
		status,
		r.Timestamp.Local().Format("2006-01-02 15:04:05"),
		r.Latency.Milliseconds(),
		code,
		r.URL,
	)
	if r.Error != "" {
		line += dimStyle.Render("  " + r.Error)
	}
	return line
}

// --- stream reader ---

// streamEvents connects to endpoint and forwards every result to out until
// the stream ends. It always finishes with a streamClosedMsg.
func streamEvents(ctx context.Context, endpoint string, out chan<- tea.Msg) {
	err := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}

		send(ctx, out, streamOpenMsg{})
		return readEvents(resp.Body, func(r check.Result) { send(ctx, out, resultMsg(r)) })
	}()
	if ctx.Err() != nil {
		err = nil
	}
	send(ctx, out, streamClosedMsg{err: err})
}

func send(ctx context.Context, out chan<- tea.Msg, msg tea.Msg) {
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

// readEvents parses Server-Sent Events from r, calling fn for each result.
// Comment lines and unknown fields are ignored.
func readEvents(r io.Reader, fn func(check.Result)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var res check.Result
			if err := json.Unmarshal([]byte(data.String()), &res); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			fn(res)
			data.Reset()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errStreamEnded
}
