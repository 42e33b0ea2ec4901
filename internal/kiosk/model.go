// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package kiosk

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/time/rate"

	"github.com/jeranaias/cardgate/internal/card"
	"github.com/jeranaias/cardgate/internal/engine"
	"github.com/jeranaias/cardgate/internal/util"
)

// =============================================================================
// BACKEND
// =============================================================================

// CardInfo is what the kiosk learns about a presented card before the
// PIN prompt is shown.
type CardInfo struct {
	CardID  string
	CardATR string
	Record  *card.AppRecord
}

// Backend is the slice of the terminal the kiosk loop needs. The
// production backend wraps a card.Session and an engine.Engine; tests
// and demo mode substitute in-memory implementations.
type Backend interface {
	// WaitCard blocks until a card is readable, then returns its
	// identity and application record (if present).
	WaitCard(ctx context.Context) (*CardInfo, error)

	// Capture acquires a biometric probe. Returns (nil, nil) when the
	// terminal runs without a capture device.
	Capture(ctx context.Context) ([]byte, error)

	// Authenticate runs the full decision sequence for one attempt.
	Authenticate(ctx context.Context, att engine.Attempt) (engine.Decision, error)
}

// =============================================================================
// MESSAGES
// =============================================================================

type cardMsg struct {
	info *CardInfo
	err  error
}

type captureMsg struct {
	capture []byte
	err     error
}

type decisionMsg struct {
	decision engine.Decision
	err      error
}

type resetMsg struct{}

// =============================================================================
// MODEL
// =============================================================================

type kioskState int

const (
	stateWaitCard kioskState = iota
	statePIN
	stateCapture
	stateResult
	stateError
)

// resultHold is how long an ALLOW/DENY panel stays on screen before
// the kiosk returns to the waiting state.
const resultHold = 3 * time.Second

// Model is the bubbletea model for the kiosk loop.
type Model struct {
	backend Backend
	limiter *rate.Limiter
	factors int

	state    kioskState
	spin     spinner.Model
	pin      textinput.Model
	card     *CardInfo
	capture  []byte
	decision engine.Decision
	err      error
	pacing   bool

	width  int
	height int
}

// New builds a kiosk model. attemptsPerMinute bounds how fast the
// terminal will accept PIN submissions; zero disables pacing.
func New(backend Backend, factors, attemptsPerMinute int) Model {
	pin := textinput.New()
	pin.Placeholder = "PIN"
	pin.EchoMode = textinput.EchoPassword
	pin.EchoCharacter = '•'
	pin.CharLimit = 32
	pin.Width = 24

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(cyan)

	var lim *rate.Limiter
	if attemptsPerMinute > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(attemptsPerMinute)/60.0), attemptsPerMinute)
	}

	return Model{
		backend: backend,
		limiter: lim,
		factors: factors,
		state:   stateWaitCard,
		spin:    sp,
		pin:     pin,
	}
}

// Init starts the card wait loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.waitCardCmd())
}

// =============================================================================
// COMMANDS
// =============================================================================

func (m Model) waitCardCmd() tea.Cmd {
	return func() tea.Msg {
		info, err := m.backend.WaitCard(context.Background())
		return cardMsg{info: info, err: err}
	}
}

func (m Model) captureCmd() tea.Cmd {
	return func() tea.Msg {
		probe, err := m.backend.Capture(context.Background())
		return captureMsg{capture: probe, err: err}
	}
}

func (m Model) authenticateCmd(att engine.Attempt) tea.Cmd {
	return func() tea.Msg {
		d, err := m.backend.Authenticate(context.Background(), att)
		return decisionMsg{decision: d, err: err}
	}
}

func resetCmd() tea.Cmd {
	return tea.Tick(resultHold, func(time.Time) tea.Msg { return resetMsg{} })
}

// =============================================================================
// UPDATE
// =============================================================================

// Update handles messages and state transitions.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state != statePIN || msg.String() == "ctrl+c" {
				return m, tea.Quit
			}
		case "esc":
			if m.state == statePIN {
				return m.toWaitCard()
			}
		case "enter":
			if m.state == statePIN {
				return m.submitPIN()
			}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case cardMsg:
		if msg.err != nil {
			m.state = stateError
			m.err = msg.err
			return m, resetCmd()
		}
		m.card = msg.info
		m.state = statePIN
		m.pacing = false
		m.pin.Reset()
		return m, m.pin.Focus()

	case captureMsg:
		if msg.err != nil {
			m.state = stateError
			m.err = msg.err
			return m, resetCmd()
		}
		m.capture = msg.capture
		m.state = stateResult
		return m, m.authenticateCmd(m.attempt())

	case decisionMsg:
		if msg.err != nil {
			m.state = stateError
			m.err = msg.err
			return m, resetCmd()
		}
		m.decision = msg.decision
		m.state = stateResult
		return m, resetCmd()

	case resetMsg:
		return m.toWaitCard()
	}

	if m.state == statePIN {
		var cmd tea.Cmd
		m.pin, cmd = m.pin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) toWaitCard() (tea.Model, tea.Cmd) {
	m.state = stateWaitCard
	m.card = nil
	m.capture = nil
	m.err = nil
	m.pacing = false
	m.decision = engine.Decision{}
	m.pin.Reset()
	m.pin.Blur()
	return m, m.waitCardCmd()
}

func (m Model) submitPIN() (tea.Model, tea.Cmd) {
	if strings.TrimSpace(m.pin.Value()) == "" {
		return m, nil
	}
	// SECURITY: pacing throttles online guessing at the terminal in
	// addition to the per-user lockout enforced by the decision engine
	// (NIST 800-53 AC-7).
	if m.limiter != nil && !m.limiter.Allow() {
		m.pacing = true
		return m, nil
	}
	m.pacing = false
	if m.factors >= 3 {
		m.state = stateCapture
		return m, m.captureCmd()
	}
	m.state = stateResult
	return m, m.authenticateCmd(m.attempt())
}

func (m Model) attempt() engine.Attempt {
	att := engine.Attempt{
		PIN:     m.pin.Value(),
		Capture: m.capture,
	}
	if m.card != nil {
		att.CardID = m.card.CardID
		att.CardATR = m.card.CardATR
		att.Record = m.card.Record
	}
	return att
}

// =============================================================================
// VIEW
// =============================================================================

// View renders the kiosk screen for the current state.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("CARDGATE ACCESS TERMINAL"))
	b.WriteString("\n\n")

	switch m.state {
	case stateWaitCard:
		b.WriteString(panelStyle.Render(m.spin.View() + " Present card"))
	case statePIN:
		var p strings.Builder
		p.WriteString(labelStyle.Render("Card") + m.cardLabel() + "\n\n")
		p.WriteString(m.pin.View())
		if m.pacing {
			p.WriteString("\n\n" + pacingStyle.Render("Too many attempts — wait a moment"))
		}
		b.WriteString(panelStyle.Render(p.String()))
		b.WriteString("\n" + hintStyle.Render("enter submit · esc cancel · ctrl+c quit"))
	case stateCapture:
		b.WriteString(panelStyle.Render(m.spin.View() + " Look at the sensor"))
	case stateResult:
		b.WriteString(m.resultPanel())
	case stateError:
		b.WriteString(denyStyle.Render("READER ERROR"))
		b.WriteString("\n" + hintStyle.Render(m.errLabel()))
	}

	b.WriteString("\n")
	return b.String()
}

func (m Model) resultPanel() string {
	if m.decision.Outcome == "" {
		return panelStyle.Render(m.spin.View() + " Checking…")
	}
	if m.decision.Allowed() {
		return allowStyle.Render("ACCESS GRANTED\n\n" + m.decision.UserID)
	}
	reason := m.decision.Reason
	if m.width > 0 {
		reason = util.TruncateWidth(reason, m.width-12)
	}
	return denyStyle.Render("ACCESS DENIED\n\n" + reason)
}

func (m Model) cardLabel() string {
	if m.card == nil {
		return "?"
	}
	id := m.card.CardID
	if len(id) > 8 {
		id = id[:8] + "…"
	}
	return id
}

func (m Model) errLabel() string {
	if m.err == nil {
		return ""
	}
	s := m.err.Error()
	if m.width > 0 {
		s = util.TruncateWidth(s, m.width-4)
	}
	return s
}
