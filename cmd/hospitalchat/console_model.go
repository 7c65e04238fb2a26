package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Tao119/hospitalChatApp/internal/protocol"
)

const (
	typingThrottle = 2 * time.Second
	typingLinger   = 3 * time.Second
)

var (
	teal   = lipgloss.Color("30")
	cyan   = lipgloss.Color("86")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(teal).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	hintStyle    = lipgloss.NewStyle().Foreground(gray).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	sysStyle     = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	mentionStyle = lipgloss.NewStyle().Bold(true).Foreground(cyan)
	tsStyle      = lipgloss.NewStyle().Foreground(gray)
	myNameStyle  = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle    = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

type statusMsg bool             // the socket opened or closed
type eventMsg protocol.Response // a server event arrived
type tickMsg time.Time          // refresh typing indicators

// chatSession is the part of client.Session the console drives.
type chatSession interface {
	JoinChannel(channelID string) error
	LeaveChannel(channelID string) error
	SendMessage(channelID string, data any) error
	SendMention(userID string, data any) error
	SendRead(channelID string, data any) error
	SendTyping(channelID, threadID, userName string) error
}

// chatPayload is the data the console attaches to message and mention frames.
type chatPayload struct {
	ChannelID string    `json:"channelId,omitempty"`
	ThreadID  string    `json:"threadId,omitempty"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type readPayload struct {
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	ReadAt    time.Time `json:"readAt"`
}

type consoleModel struct {
	sess chatSession
	opts consoleOptions
	msgs <-chan tea.Msg
	now  func() time.Time

	connected  bool
	ready      bool
	viewport   viewport.Model
	input      textinput.Model
	lines      []string
	typing     map[string]time.Time // display name -> last indicator
	lastTyping time.Time

	width, height int
}

func newConsoleModel(sess chatSession, opts consoleOptions, msgs <-chan tea.Msg) consoleModel {
	in := textinput.New()
	in.Placeholder = "Type a message…"
	in.CharLimit = 2000
	in.Focus()

	return consoleModel{
		sess:   sess,
		opts:   opts,
		msgs:   msgs,
		now:    time.Now,
		input:  in,
		typing: make(map[string]time.Time),
	}
}

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForMsg(m.msgs))
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.input.Width = msg.Width - 4
		return m, nil

	case statusMsg:
		m.connected = bool(msg)
		if m.connected {
			// Membership does not survive a reconnect.
			if err := m.sess.JoinChannel(m.opts.channel); err != nil {
				m.appendLine(errorStyle.Render("join failed: " + err.Error()))
			} else {
				m.appendLine(sysStyle.Render("connected, joined " + m.opts.channel))
			}
		} else {
			m.appendLine(sysStyle.Render("disconnected, reconnecting…"))
		}
		return m, waitForMsg(m.msgs)

	case eventMsg:
		m.handleEvent(protocol.Response(msg))
		return m, tea.Batch(waitForMsg(m.msgs), tick())

	case tickMsg:
		if len(m.activeTyping()) > 0 {
			return m, tick()
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m consoleModel) handleKey(msg tea.KeyMsg) (consoleModel, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit

	case tea.KeyEnter:
		line := strings.TrimSpace(m.input.Value())
		if line != "" {
			m.submit(line)
			m.input.Reset()
		}
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil

	case tea.KeyRunes, tea.KeySpace:
		if m.connected && !strings.HasPrefix(m.input.Value(), "/") && m.now().Sub(m.lastTyping) >= typingThrottle {
			if err := m.sess.SendTyping(m.opts.channel, m.opts.thread, m.opts.name); err == nil {
				m.lastTyping = m.now()
			}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// command is one parsed input line.
type command struct {
	name string // "", "mention", "read" or "join"
	arg  string
	text string
}

func parseCommand(line string) (command, error) {
	if !strings.HasPrefix(line, "/") {
		return command{text: line}, nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/mention":
		if len(fields) < 3 {
			return command{}, fmt.Errorf("usage: /mention <user> <text>")
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		rest = strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
		return command{name: "mention", arg: fields[1], text: rest}, nil
	case "/read":
		return command{name: "read"}, nil
	case "/join":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: /join <channel>")
		}
		return command{name: "join", arg: fields[1]}, nil
	default:
		return command{}, fmt.Errorf("unknown command %s", fields[0])
	}
}

func (m *consoleModel) submit(line string) {
	cmd, err := parseCommand(line)
	if err != nil {
		m.appendLine(errorStyle.Render(err.Error()))
		return
	}

	now := m.now()
	switch cmd.name {
	case "":
		err = m.sess.SendMessage(m.opts.channel, chatPayload{
			ChannelID: m.opts.channel,
			ThreadID:  m.opts.thread,
			UserID:    m.opts.user,
			UserName:  m.opts.name,
			Content:   cmd.text,
			CreatedAt: now,
		})
	case "mention":
		err = m.sess.SendMention(cmd.arg, chatPayload{
			ChannelID: m.opts.channel,
			UserID:    m.opts.user,
			UserName:  m.opts.name,
			Content:   cmd.text,
			CreatedAt: now,
		})
		if err == nil {
			m.appendLine(hintStyle.Render("mentioned " + cmd.arg))
		}
	case "read":
		err = m.sess.SendRead(m.opts.channel, readPayload{
			ChannelID: m.opts.channel,
			UserID:    m.opts.user,
			UserName:  m.opts.name,
			ReadAt:    now,
		})
	case "join":
		if err = m.sess.LeaveChannel(m.opts.channel); err == nil {
			err = m.sess.JoinChannel(cmd.arg)
		}
		if err == nil {
			m.opts.channel = cmd.arg
			m.typing = make(map[string]time.Time)
			m.appendLine(sysStyle.Render("switched to " + cmd.arg))
		}
	}
	if err != nil {
		m.appendLine(errorStyle.Render("⚠ " + err.Error()))
	}
}

func (m *consoleModel) handleEvent(resp protocol.Response) {
	switch resp.Type {
	case protocol.ResponseTyping:
		var p protocol.TypingPayload
		if err := json.Unmarshal(resp.Data, &p); err != nil || p.UserID == m.opts.user {
			return
		}
		name := p.UserName
		if name == "" {
			name = p.UserID
		}
		m.typing[name] = m.now()

	case protocol.ResponseMessage:
		var p chatPayload
		if err := json.Unmarshal(resp.Data, &p); err != nil {
			m.appendLine(tsStyle.Render(string(resp.Data)))
			return
		}
		delete(m.typing, displayName(p.UserName, p.UserID))
		m.appendLine(m.formatChat(p))

	case protocol.ResponseMention:
		var p chatPayload
		if err := json.Unmarshal(resp.Data, &p); err != nil {
			m.appendLine(mentionStyle.Render("@ mention " + string(resp.Data)))
			return
		}
		m.appendLine(mentionStyle.Render("@ " + displayName(p.UserName, p.UserID) + ": " + p.Content))

	case protocol.ResponseRead:
		var p readPayload
		if err := json.Unmarshal(resp.Data, &p); err != nil {
			return
		}
		m.appendLine(hintStyle.Render("✓ read by " + displayName(p.UserName, p.UserID)))

	default:
		m.appendLine(hintStyle.Render(resp.Type + " " + string(resp.Data)))
	}
}

func (m consoleModel) formatChat(p chatPayload) string {
	at := p.CreatedAt
	if at.IsZero() {
		at = m.now()
	}
	ts := tsStyle.Render("[" + at.Local().Format("15:04:05") + "]")
	name := displayName(p.UserName, p.UserID)
	if p.UserID == m.opts.user {
		name = myNameStyle.Render(name)
	} else {
		name = peerStyle.Render(name)
	}
	return ts + " " + name + ": " + p.Content
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

// activeTyping returns the names whose indicator has not expired, sorted.
func (m consoleModel) activeTyping() []string {
	cutoff := m.now().Add(-typingLinger)
	var names []string
	for name, at := range m.typing {
		if at.After(cutoff) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (m *consoleModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	if m.ready {
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
	}
}

// vpHeight returns the number of lines available for the viewport.
func (m consoleModel) vpHeight() int {
	// header, typing line, footer border and footer input
	h := m.height - 4
	if h < 1 {
		h = 1
	}
	return h
}

func (m consoleModel) View() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	state := "offline"
	if m.connected {
		state = "online"
	}
	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" #%s  ·  %s  ·  %s  ·  PgUp/Dn: Scroll  Esc: Quit", m.opts.channel, m.opts.name, state))

	typing := ""
	if names := m.activeTyping(); len(names) > 0 {
		typing = hintStyle.Render(strings.Join(names, ", ") + " typing…")
	}

	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(m.input.View())

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), typing, footer)
}

// waitForMsg blocks until the next session message arrives on ch.
func waitForMsg(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}
