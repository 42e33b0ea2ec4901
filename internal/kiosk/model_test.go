// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package kiosk

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/cardgate/internal/engine"
)

type fakeBackend struct {
	info     *CardInfo
	decision engine.Decision
	attempts []engine.Attempt
}

func (f *fakeBackend) WaitCard(ctx context.Context) (*CardInfo, error) {
	return f.info, nil
}

func (f *fakeBackend) Capture(ctx context.Context) ([]byte, error) {
	return []byte("probe"), nil
}

func (f *fakeBackend) Authenticate(ctx context.Context, att engine.Attempt) (engine.Decision, error) {
	f.attempts = append(f.attempts, att)
	return f.decision, nil
}

func runCmd(t *testing.T, m tea.Model, cmd tea.Cmd) (tea.Model, tea.Cmd) {
	t.Helper()
	require.NotNil(t, cmd)
	return m.Update(cmd())
}

func TestKioskFlowTwoFactor(t *testing.T) {
	be := &fakeBackend{
		info:     &CardInfo{CardID: "cafe0000000000000000000000000001", CardATR: "3B 02 53 01"},
		decision: engine.Decision{Outcome: engine.Allow, Reason: engine.ReasonOK2FA, UserID: "alice"},
	}
	m := New(be, 2, 0)

	// Card arrives: waiting -> PIN entry.
	model, _ := m.Update(cardMsg{info: be.info})
	km := model.(Model)
	require.Equal(t, statePIN, km.state)

	km.pin.SetValue("314159")
	model, cmd := km.Update(tea.KeyMsg{Type: tea.KeyEnter})
	km = model.(Model)
	require.Equal(t, stateResult, km.state)

	// Two-factor terminals skip capture and go straight to the engine.
	model, _ = runCmd(t, km, cmd)
	km = model.(Model)
	require.Len(t, be.attempts, 1)
	require.Equal(t, "314159", be.attempts[0].PIN)
	require.Nil(t, be.attempts[0].Capture)
	require.True(t, km.decision.Allowed())
	require.Contains(t, km.View(), "ACCESS GRANTED")
}

func TestKioskFlowThreeFactorCaptures(t *testing.T) {
	be := &fakeBackend{
		info:     &CardInfo{CardID: "cafe0000000000000000000000000001"},
		decision: engine.Decision{Outcome: engine.Deny, Reason: engine.ReasonBiometricMismatch},
	}
	m := New(be, 3, 0)

	model, _ := m.Update(cardMsg{info: be.info})
	km := model.(Model)
	km.pin.SetValue("314159")

	model, cmd := km.Update(tea.KeyMsg{Type: tea.KeyEnter})
	km = model.(Model)
	require.Equal(t, stateCapture, km.state)

	// Capture completes, then the attempt carries the probe.
	model, cmd = runCmd(t, km, cmd)
	km = model.(Model)
	model, _ = runCmd(t, km, cmd)
	km = model.(Model)

	require.Len(t, be.attempts, 1)
	require.Equal(t, []byte("probe"), be.attempts[0].Capture)
	require.Contains(t, km.View(), "ACCESS DENIED")
	require.Contains(t, km.View(), engine.ReasonBiometricMismatch)
}

func TestKioskPacingBlocksSubmission(t *testing.T) {
	be := &fakeBackend{info: &CardInfo{CardID: "c"}}
	m := New(be, 2, 1) // burst of one attempt per minute

	model, _ := m.Update(cardMsg{info: be.info})
	km := model.(Model)
	km.pin.SetValue("1111")
	model, _ = km.Update(tea.KeyMsg{Type: tea.KeyEnter})
	km = model.(Model)
	require.Equal(t, stateResult, km.state)

	// Second submission inside the window is paced, not forwarded.
	model, _ = km.Update(cardMsg{info: be.info})
	km = model.(Model)
	km.pin.SetValue("2222")
	model, _ = km.Update(tea.KeyMsg{Type: tea.KeyEnter})
	km = model.(Model)
	require.Equal(t, statePIN, km.state)
	require.True(t, km.pacing)
	require.Contains(t, km.View(), "Too many attempts")
}

func TestKioskResetReturnsToWaiting(t *testing.T) {
	be := &fakeBackend{info: &CardInfo{CardID: "c"}}
	m := New(be, 2, 0)

	model, _ := m.Update(cardMsg{info: be.info})
	km := model.(Model)
	model, cmd := km.Update(resetMsg{})
	km = model.(Model)
	require.Equal(t, stateWaitCard, km.state)
	require.Nil(t, km.card)
	require.NotNil(t, cmd)
}
