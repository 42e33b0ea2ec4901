// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// handlers.go - command handlers wiring config, store, card, and engine.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/jeranaias/cardgate/internal/bio"
	"github.com/jeranaias/cardgate/internal/card"
	"github.com/jeranaias/cardgate/internal/config"
	"github.com/jeranaias/cardgate/internal/engine"
	"github.com/jeranaias/cardgate/internal/enroll"
	"github.com/jeranaias/cardgate/internal/kiosk"
	"github.com/jeranaias/cardgate/internal/security"
	"github.com/jeranaias/cardgate/internal/store"
	"github.com/jeranaias/cardgate/internal/util"
)

// demoCardImage is the persisted word store for the --demo card, kept
// under the config directory so enroll and auth runs see the same card.
const demoCardImage = "demo-card.bin"

// =============================================================================
// TERMINAL WIRING
// =============================================================================

// terminal bundles the opened subsystems one command run needs.
type terminal struct {
	cfg    *config.Config
	st     *store.SQLiteStore
	hasher *security.PINHasher
	sess   *card.Session
	demo   *card.MemoryCard
}

// openTerminal loads configuration and opens the credential store. The
// card session is attached separately because not every command talks
// to a reader.
func openTerminal(args Args) (*terminal, error) {
	cfg, err := config.Get()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if args.DBPath != "" {
		cfg.DBPath = args.DBPath
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SECURITY: the pepper never lives in the config file; it is read
	// from the environment once per run (NIST 800-53 IA-5).
	pepper, err := security.ParsePepper(os.Getenv(security.PepperEnvVar))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("parse pepper: %w", err)
	}

	return &terminal{
		cfg:    cfg,
		st:     st,
		hasher: security.NewPINHasher(pepper),
	}, nil
}

// attachCard opens the card session. Only the in-memory demo card is
// built in; real readers implement card.Transport out of tree.
func (t *terminal) attachCard(args Args) error {
	if !args.Demo && !t.cfg.Kiosk.DemoMode {
		return errors.New("no card reader driver in this build; run with --demo or set kiosk.demo_mode")
	}

	mc := card.NewMemoryCard()
	if path, err := demoImagePath(); err == nil {
		if data, err := os.ReadFile(path); err == nil {
			mc.LoadSnapshot(data)
		}
	}

	codes, err := t.cfg.UnlockCodes()
	if err != nil {
		return fmt.Errorf("parse issuer codes: %w", err)
	}

	t.demo = mc
	t.sess = card.NewSession(mc, card.WithUnlockCodes(codes))
	return nil
}

// close persists the demo card image and releases the store.
func (t *terminal) close() {
	if t.demo != nil {
		if path, err := demoImagePath(); err == nil {
			// RELIABILITY: atomic replace so a crash cannot leave a
			// torn card image behind.
			_ = util.AtomicWriteFile(path, t.demo.Snapshot(), 0o600)
		}
	}
	t.st.Close()
}

func demoImagePath() (string, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, demoCardImage), nil
}

func (t *terminal) scorer() bio.Scorer {
	if t.cfg.Biometric.DetectorBin == "" {
		return nil
	}
	return &bio.CommandScorer{
		BinPath: t.cfg.Biometric.DetectorBin,
		Timeout: t.cfg.ScoreTimeout(),
	}
}

func (t *terminal) engine() *engine.Engine {
	return engine.New(t.st, t.hasher, t.scorer(), engine.Config{
		ScoreThreshold:           t.cfg.Biometric.ScoreThreshold,
		RequiredFactors:          t.cfg.Auth.RequiredFactors,
		MaxPINAttempts:           t.cfg.Auth.MaxPINAttempts,
		LockoutDuration:          t.cfg.LockoutDuration(),
		EnforceCardBinding:       t.cfg.Auth.EnforceCardBinding,
		EnforceTemplateIntegrity: t.cfg.Auth.EnforceTemplateIntegrity,
	})
}

func (t *terminal) enroller() *enroll.Enroller {
	return enroll.New(t.st, t.hasher, t.cfg.KeyDir,
		enroll.WithAlgo(t.cfg.Biometric.Algo),
		enroll.WithLockoutPolicy(t.cfg.Auth.MaxPINAttempts, t.cfg.LockoutDuration()),
	)
}

// =============================================================================
// PROMPTS
// =============================================================================

// readPIN prompts without echo on a terminal, falling back to a plain
// line read when stdin is piped.
func readPIN(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func readNewPIN() (string, error) {
	pin, err := readPIN("New PIN: ")
	if err != nil {
		return "", err
	}
	again, err := readPIN("Confirm PIN: ")
	if err != nil {
		return "", err
	}
	if pin != again {
		return "", errors.New("PINs do not match")
	}
	return pin, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// HandleKiosk starts the full-screen kiosk loop.
func HandleKiosk(args Args) error {
	t, err := openTerminal(args)
	if err != nil {
		return err
	}
	defer t.close()
	if err := t.attachCard(args); err != nil {
		return err
	}

	// Out-of-band template edits show up in the audit trail while the
	// kiosk runs.
	if tw, err := bio.NewTemplateWatcher(t.st, t.cfg.TemplateDir, bio.DefaultWatchDebounce); err == nil {
		if err := tw.Watch(); err == nil {
			defer tw.Close()
		}
	}

	// Capture hardware plugs in as a kiosk.CaptureFunc; without one
	// the terminal submits card+PIN attempts only.
	backend := kiosk.NewTerminalBackend(t.sess, t.engine(), nil)
	m := kiosk.New(backend, t.cfg.Auth.RequiredFactors, int(t.cfg.Kiosk.AttemptsPerMinute))

	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// HandleInitDB creates the database file and schema.
func HandleInitDB(args Args) error {
	t, err := openTerminal(args)
	if err != nil {
		return err
	}
	defer t.close()
	fmt.Printf("Database ready at %s\n", t.cfg.DBPath)
	return nil
}

// HandleEnroll provisions a card, sets the PIN, and registers the
// biometric template for one user.
func HandleEnroll(args Args) error {
	if args.UserID == "" {
		return errors.New("enroll requires --user")
	}
	if args.TemplatePath == "" {
		return errors.New("enroll requires --template")
	}

	t, err := openTerminal(args)
	if err != nil {
		return err
	}
	defer t.close()
	if err := t.attachCard(args); err != nil {
		return err
	}

	pin, err := readNewPIN()
	if err != nil {
		return err
	}

	res, err := t.enroller().Enroll(context.Background(), t.sess, args.UserID, pin, args.TemplatePath)
	if err != nil {
		return fmt.Errorf("enroll %s: %w", args.UserID, err)
	}

	fmt.Printf("Enrolled %s (%s)\n", res.UserID, res.Outcome)
	fmt.Printf("  card     %s\n", res.CardID)
	fmt.Printf("  template %s\n", res.TemplateSHA256)
	fmt.Printf("  key      %s\n", res.KeyID)
	return nil
}

// HandleAuth runs one authentication attempt without the TUI.
func HandleAuth(args Args) error {
	t, err := openTerminal(args)
	if err != nil {
		return err
	}
	defer t.close()
	if err := t.attachCard(args); err != nil {
		return err
	}

	ctx := context.Background()
	att := engine.Attempt{CardATR: t.sess.ATRHex()}
	if rec, ok := t.sess.ReadAppRecord(ctx); ok {
		att.CardID = rec.CardUID
		att.Record = rec
	} else {
		uid, err := t.sess.UIDFromIssuer(ctx)
		if err != nil {
			return fmt.Errorf("read card: %w", err)
		}
		att.CardID = uid
	}

	att.PIN, err = readPIN("PIN: ")
	if err != nil {
		return err
	}
	if args.CapturePath != "" {
		att.Capture, err = os.ReadFile(args.CapturePath)
		if err != nil {
			return fmt.Errorf("read capture: %w", err)
		}
	}

	d, err := t.engine().Authenticate(ctx, att)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	if args.JSON {
		return json.NewEncoder(os.Stdout).Encode(d)
	}
	if d.Allowed() {
		fmt.Printf("ALLOW %s (%s)\n", d.UserID, d.Reason)
	} else {
		fmt.Printf("DENY %s\n", d.Reason)
	}
	if !d.Allowed() {
		os.Exit(1)
	}
	return nil
}

// HandleChangePIN changes a user's PIN after verifying the old one.
func HandleChangePIN(args Args) error {
	if args.UserID == "" {
		return errors.New("change-pin requires --user")
	}

	t, err := openTerminal(args)
	if err != nil {
		return err
	}
	defer t.close()

	oldPIN, err := readPIN("Current PIN: ")
	if err != nil {
		return err
	}
	newPIN, err := readNewPIN()
	if err != nil {
		return err
	}

	if err := t.enroller().ChangePIN(context.Background(), args.UserID, oldPIN, newPIN); err != nil {
		return fmt.Errorf("change PIN for %s: %w", args.UserID, err)
	}
	fmt.Printf("PIN changed for %s\n", args.UserID)
	return nil
}

// HandleRecoverPIN resets a PIN with operator TOTP approval.
// "recover-pin init" provisions the operator secret.
func HandleRecoverPIN(args Args) error {
	t, err := openTerminal(args)
	if err != nil {
		return err
	}
	defer t.close()

	if len(args.Raw) > 0 && args.Raw[0] == "init" {
		host, _ := os.Hostname()
		key, err := enroll.GenerateOperatorSecret(host)
		if err != nil {
			return fmt.Errorf("generate operator secret: %w", err)
		}
		t.cfg.Security.OperatorTOTPSecret = key.Secret()
		if err := config.Save(t.cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Println("Operator TOTP secret provisioned. Add to an authenticator:")
		fmt.Printf("  %s\n", key.URL())
		return nil
	}

	if args.UserID == "" {
		return errors.New("recover-pin requires --user")
	}
	if t.cfg.Security.OperatorTOTPSecret == "" {
		return errors.New("no operator secret configured; run: cardgate recover-pin init")
	}

	code, err := readPIN("Operator TOTP code: ")
	if err != nil {
		return err
	}
	newPIN, err := readNewPIN()
	if err != nil {
		return err
	}

	err = t.enroller().RecoverPIN(context.Background(), args.UserID, newPIN, t.cfg.Security.OperatorTOTPSecret, code)
	if err != nil {
		return fmt.Errorf("recover PIN for %s: %w", args.UserID, err)
	}
	fmt.Printf("PIN reset for %s\n", args.UserID)
	return nil
}

// HandleLogs lists recent authentication decisions, newest first.
func HandleLogs(args Args) error {
	t, err := openTerminal(args)
	if err != nil {
		return err
	}
	defer t.close()

	entries, err := t.st.ListAuthLogs(context.Background(), args.Limit)
	if err != nil {
		return fmt.Errorf("list logs: %w", err)
	}

	if args.JSON {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}
	for _, e := range entries {
		user := e.UserID
		if user == "" {
			user = "-"
		}
		score := "-"
		if e.BioScore != nil {
			score = fmt.Sprintf("%.2f", *e.BioScore)
		}
		fmt.Printf("%s  %-5s  user=%-12s card=%-12s pwd=%-5t bio=%-5s %s\n",
			e.TS.Format("2006-01-02 15:04:05"),
			e.Decision, user, util.TruncateWidth(e.CardID, 12), e.PwdOK, score, e.Reason)
	}
	return nil
}

// HandleSecurityDemo walks through the card challenge-response and
// replay controls against the presented card, printing each step.
func HandleSecurityDemo(args Args) error {
	t, err := openTerminal(args)
	if err != nil {
		return err
	}
	defer t.close()
	if err := t.attachCard(args); err != nil {
		return err
	}

	ctx := context.Background()
	uid := ""
	if rec, ok := t.sess.ReadAppRecord(ctx); ok {
		uid = rec.CardUID
	} else if uid, err = t.sess.UIDFromIssuer(ctx); err != nil {
		return fmt.Errorf("read card: %w", err)
	}
	fmt.Printf("card uid      %s\n", uid)

	key, err := security.NewCardKey(security.DefaultCardKeySize)
	if err != nil {
		return err
	}
	keyID, err := security.KeyIDFromKey(key, security.DefaultKeyIDSize)
	if err != nil {
		return err
	}
	nonce, err := security.GenerateNonce(security.DefaultNonceSize)
	if err != nil {
		return err
	}
	fmt.Printf("key id        %s\n", keyID)
	fmt.Printf("nonce         %x\n", nonce)

	const counter = 1
	msg, err := security.BuildChallengeMessage(uid, nonce, counter, "security-demo")
	if err != nil {
		return err
	}
	tag, err := security.ComputeTag(key, msg, t.cfg.Security.HMACTagLength)
	if err != nil {
		return err
	}
	fmt.Printf("tag (%2d byte) %x\n", len(tag), tag)
	fmt.Printf("verify        %t\n", security.VerifyTag(key, msg, tag))

	tampered := append([]byte(nil), msg...)
	tampered[len(tampered)-1] ^= 0x01
	fmt.Printf("tampered msg  %t\n", security.VerifyTag(key, tampered, tag))

	guard, err := security.NewReplayGuard(t.cfg.ReplayTTL(), t.cfg.Security.ReplayCapacity)
	if err != nil {
		return err
	}
	fmt.Printf("first nonce   %v\n", guard.CheckAndRemember(uid, nonce) == nil)
	fmt.Printf("replayed      %v\n", guard.CheckAndRemember(uid, nonce))
	return nil
}

// HandleProbe reports per-word access conditions: which addresses
// answer READ, and which accept a same-value UPDATE write-back.
func HandleProbe(args Args) error {
	t, err := openTerminal(args)
	if err != nil {
		return err
	}
	defer t.close()
	if err := t.attachCard(args); err != nil {
		return err
	}

	ctx := context.Background()
	fmt.Printf("ATR %s\n", t.sess.ATRHex())
	fmt.Println("addr  read  write")

	for addr := 0; addr <= 0x3F; addr++ {
		a := byte(addr)
		readable, writable := "ok", "-"

		word, err := t.sess.ReadWord(ctx, a)
		if err != nil {
			readable = "denied"
		} else {
			// Write-back of the identical word: proves write access
			// without changing card contents.
			if err := t.sess.UpdateWord(ctx, a, word); err != nil {
				writable = "denied"
			} else {
				writable = "ok"
			}
		}
		fmt.Printf("0x%02X  %-6s%s\n", a, readable, writable)
	}
	return nil
}
