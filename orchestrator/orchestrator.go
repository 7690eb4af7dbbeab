// Package orchestrator implements the top-level restore composition (spec
// §4.8 / C8): probe the device (C5), extract the manifest and request a
// ticket (C1, C4) while still in whatever mode the device was found in,
// then drive NORMAL -> RECOVERY only once a ticket is in hand, upload the
// boot chain (C6), and run the restore-session loop (C7). It owns the
// single device-handle-per-mode invariant (spec §3) via deviceHandleGuard
// and releases acquired handles in reverse order on fatal failure, the way
// the teacher codebase's pipeline composition in cmd/flyio-image-manager
// unwinds a partially completed snapshot pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/restored"
	"github.com/superfly/restored/bundle"
	"github.com/superfly/restored/device"
	"github.com/superfly/restored/manifest"
	"github.com/superfly/restored/plist"
	"github.com/superfly/restored/restoresession"
	"github.com/superfly/restored/signing"
	"github.com/superfly/restored/transition"
)

// RestoreFailed reports the phase a restore run failed in and the
// underlying cause, so an operator or caller can distinguish "which stage"
// from "why" without parsing error text (spec §7: "a single-line diagnostic
// naming the phase and the cause").
type RestoreFailed struct {
	Phase string
	Cause error
}

func (e *RestoreFailed) Error() string {
	return fmt.Sprintf("restore failed in phase %s: %v", e.Phase, e.Cause)
}

func (e *RestoreFailed) Unwrap() error { return e.Cause }

// Config selects the operating mode for a single restore run (spec §6):
// uuid targets a specific device, custom disables signature replacement,
// debugDir enables component and transcript persistence.
type Config struct {
	UUID     string
	Custom   bool
	DebugDir string

	BundlePath  string
	SigningURL  string
	SigningProc string

	AwaitRestoreTimeout time.Duration
	AwaitRestorePoll    time.Duration
}

// Dependencies are the external collaborators the orchestrator wires
// together; all are interfaces per spec §6 so production code supplies the
// real USB/HID/network transports and tests supply fakes. Codec is the
// excluded plist-format collaborator (spec §1/§6) used to decode the
// manifest and ticket bytes extracted from the bundle and returned by the
// signing client.
type Dependencies struct {
	Enumerator device.Enumerator
	Codec      plist.Codec
	Operator   transition.OperatorPrompter
	Progress   restoresession.ProgressSink
	Status     restoresession.StatusSink
	Logger     logrus.FieldLogger
	// Mode, if non-nil, is the ModeCell the transport layer's
	// attach/detach observer callback drives via Observe (spec §6). When
	// nil, Run constructs a private cell that only its own probe/await
	// calls ever update — appropriate for fully scripted/test transports
	// that don't deliver asynchronous events.
	Mode *restored.ModeCell
}

// Run executes one full restore (spec §4.8), returning a *RestoreFailed on
// any fatal error and nil on success.
func Run(ctx context.Context, cfg Config, deps *Dependencies) error {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	operator := deps.Operator
	if operator == nil {
		operator = transition.NoOpOperatorPrompter{}
	}

	metrics := restored.NewRestoreMetrics()
	ctx = restored.WithMetrics(ctx, metrics)
	runStart := time.Now()
	defer func() {
		metrics.TotalDuration = time.Since(runStart)
		logger.Info(metrics.Summary())
	}()

	guard := newDeviceHandleGuard(logger)
	mode := deps.Mode
	if mode == nil {
		mode = restored.NewModeCell(restored.ModeUnknown)
	}

	// C5: probe. Exactly one handle is held by the time this returns, in
	// whichever mode the device was actually found in (spec §3 ownership
	// invariant) — EnterRecovery is deliberately NOT issued here. SPEC_FULL
	// §2's data flow reads the manifest and requests a signing ticket
	// before driving any mode transition, so a manifest or signing
	// failure leaves the device in NORMAL rather than stranding it in
	// RECOVERY with no ticket in hand.
	probeStart := time.Now()
	probed, err := probeDevice(ctx, cfg, deps, guard, mode)
	metrics.ProbeDuration = time.Since(probeStart)
	if err != nil {
		return &RestoreFailed{Phase: "probe", Cause: err}
	}
	defer probed.release()

	// C1: open the bundle and decode the manifest.
	bndl, err := bundle.Open(cfg.BundlePath)
	if err != nil {
		return &RestoreFailed{Phase: "bundle", Cause: err}
	}
	defer bndl.Close()

	manifestStart := time.Now()
	m, err := loadManifest(bndl, deps.Codec)
	metrics.ManifestDuration = time.Since(manifestStart)
	if err != nil {
		return &RestoreFailed{Phase: "manifest", Cause: err}
	}

	ecid, err := probed.ecid(ctx)
	if err != nil {
		return &RestoreFailed{Phase: "manifest", Cause: err}
	}
	logger = logger.WithField("device", restored.DeriveDeviceHandleID(ecid))

	// C4: request a signing ticket, still in whatever mode the device was
	// probed in.
	signStart := time.Now()
	ticket, err := requestTicket(ctx, cfg, deps.Codec, m, ecid)
	metrics.SignDuration = time.Since(signStart)
	if err != nil {
		return &RestoreFailed{Phase: "sign", Cause: err}
	}

	// Extract the filesystem payload to a temp file the restore-session
	// loop will stream on DataTypeSystemImage (spec §4.8).
	localFSPath, cleanup, err := stageFilesystemImage(bndl, m)
	if err != nil {
		return &RestoreFailed{Phase: "manifest", Cause: err}
	}
	defer cleanup()

	// Only now, with a ticket in hand, drive NORMAL -> RECOVERY if the
	// device didn't already start there.
	recovery, err := probed.ensureRecovery(ctx, cfg, deps, guard, mode)
	if err != nil {
		return &RestoreFailed{Phase: "enter_recovery", Cause: err}
	}
	defer func() {
		guard.Release("recovery")
		recovery.Close()
	}()

	// C6: upload the boot chain, then await the device reappearing in
	// RESTORE mode. BootChainDuration/BootChainStepCount accumulate inside
	// transition.uploadStep via restored.MetricsFromContext, one component
	// at a time, rather than being timed as a single span here.
	if err := uploadBootChain(ctx, bndl, ticket, operator, mode, recovery, cfg, logger); err != nil {
		return &RestoreFailed{Phase: "boot_chain_upload", Cause: err}
	}

	awaitStart := time.Now()
	if err := transition.AwaitRestoreMode(ctx, mode, cfg.AwaitRestoreTimeout, cfg.AwaitRestorePoll); err != nil {
		metrics.AwaitRestoreDuration = time.Since(awaitStart)
		return &RestoreFailed{Phase: "await_restore", Cause: err}
	}
	metrics.AwaitRestoreDuration = time.Since(awaitStart)

	// The recovery-mode handle is no longer valid once the device has
	// rebooted into restore; release it before acquiring the restore
	// session handle, preserving the one-handle-per-mode invariant.
	guard.Release("recovery")
	recovery.Close()
	recovery = nil

	if err := guard.Acquire("restore"); err != nil {
		return &RestoreFailed{Phase: "restore_session", Cause: err}
	}
	defer guard.Release("restore")

	session, err := deps.Enumerator.EnumerateRestore(ctx, cfg.UUID)
	if err != nil {
		return &RestoreFailed{Phase: "restore_session", Cause: restored.NewError("orchestrator.enumerate_restore", restored.KindDeviceNotFound, cfg.UUID, err)}
	}
	defer session.Close()

	sdeps := &restoresession.Dependencies{
		Session:             session,
		Mode:                mode,
		Bundle:              bndl,
		Ticket:              ticket,
		Progress:            deps.Progress,
		Status:              deps.Status,
		Custom:              cfg.Custom,
		DebugDir:            cfg.DebugDir,
		FilesystemImagePath: localFSPath,
	}
	if cfg.DebugDir != "" {
		transcript, err := restoresession.OpenTranscript(filepath.Join(cfg.DebugDir, "restore-session.bbolt"))
		if err == nil {
			sdeps.Transcript = transcript
			defer transcript.Close()
		} else {
			logger.WithError(err).Warn("failed to open restore-session transcript; continuing without it")
		}
	}
	// SessionDuration/SessionMessageCount accumulate inside
	// restoresession.Run via restored.MetricsFromContext, one dispatched
	// message at a time.
	err = restoresession.Run(ctx, sdeps)
	if err != nil && !isTerminalSuccess(err) {
		return &RestoreFailed{Phase: "restore_session", Cause: err}
	}
	return nil
}

// isTerminalSuccess reports whether err is restoresession's expected
// terminal-status signal (spec §4.7: a terminal StatusMsg ends the loop by
// returning a KindRestoreTerminalStatus error carrying the reported
// status). The orchestrator treats that as the successful end of a restore,
// not a failure.
func isTerminalSuccess(err error) bool {
	k, ok := restored.KindOf(err)
	return ok && k == restored.KindRestoreTerminalStatus
}

// probedDevice holds whichever single handle C5's probe found (spec §3
// ownership invariant), in the mode the device actually started in. It
// defers the NORMAL -> RECOVERY transition until ensureRecovery is called,
// so a caller can read the ECID and request a signing ticket first.
type probedDevice struct {
	mode     restored.Mode
	mgmt     device.ManagementChannel
	recovery device.RecoveryTransport
	guard    *deviceHandleGuard
	// consumed is set once ownership of the held handle has passed
	// elsewhere (to ensureRecovery's returned RecoveryTransport, or to
	// EnterRecovery itself), so release becomes a no-op.
	consumed bool
}

func probeDevice(ctx context.Context, cfg Config, deps *Dependencies, guard *deviceHandleGuard, mode *restored.ModeCell) (*probedDevice, error) {
	handle, probedMode, err := device.Probe(ctx, deps.Enumerator, cfg.UUID)
	if err != nil {
		return nil, err
	}
	mode.SetMode(probedMode)

	switch probedMode {
	case restored.ModeNormal:
		if err := guard.Acquire("normal"); err != nil {
			return nil, err
		}
		return &probedDevice{mode: probedMode, mgmt: handle.(device.ManagementChannel), guard: guard}, nil

	case restored.ModeRecovery:
		if err := guard.Acquire("recovery"); err != nil {
			return nil, err
		}
		return &probedDevice{mode: probedMode, recovery: handle.(device.RecoveryTransport), guard: guard}, nil

	default:
		return nil, restored.NewError("orchestrator.probe", restored.KindDeviceNotFound, cfg.UUID, fmt.Errorf("unexpected initial mode %v", probedMode))
	}
}

// ecid reads the chip identifier off whichever handle was probed (spec
// §4.5), using the NORMAL or RECOVERY half of the ecid operation as
// appropriate.
func (p *probedDevice) ecid(ctx context.Context) (uint64, error) {
	switch p.mode {
	case restored.ModeNormal:
		return device.ECIDFromNormal(ctx, p.mgmt)
	case restored.ModeRecovery:
		return device.ECIDFromRecovery(ctx, p.recovery)
	default:
		return 0, restored.NewError("orchestrator.ecid", restored.KindDeviceNotFound, "", fmt.Errorf("unexpected mode %v", p.mode))
	}
}

// release returns the held handle and its guard slot, unless ownership has
// already passed to ensureRecovery's caller.
func (p *probedDevice) release() {
	if p.consumed {
		return
	}
	switch p.mode {
	case restored.ModeNormal:
		p.guard.Release("normal")
		if p.mgmt != nil {
			p.mgmt.Close()
		}
	case restored.ModeRecovery:
		p.guard.Release("recovery")
		if p.recovery != nil {
			p.recovery.Close()
		}
	}
}

// ensureRecovery returns a RecoveryTransport held under the "recovery"
// guard slot, driving NORMAL -> RECOVERY first if the device didn't
// already start there (spec §4.6). Called only once the manifest and
// signing ticket are already in hand, so a prior failure never strands
// the device in RECOVERY without a ticket.
func (p *probedDevice) ensureRecovery(ctx context.Context, cfg Config, deps *Dependencies, guard *deviceHandleGuard, mode *restored.ModeCell) (device.RecoveryTransport, error) {
	switch p.mode {
	case restored.ModeRecovery:
		p.consumed = true
		return p.recovery, nil

	case restored.ModeNormal:
		if err := transition.EnterRecovery(ctx, p.mgmt); err != nil {
			return nil, err
		}
		// EnterRecovery consumes the management handle regardless of the
		// enumeration outcome below (device.ManagementChannel.EnterRecovery's
		// contract).
		guard.Release("normal")
		p.mgmt.Close()
		p.consumed = true

		rec, err := awaitRecoveryEnumeration(ctx, deps.Enumerator, cfg)
		if err != nil {
			return nil, restored.NewError("orchestrator.enter_recovery", restored.KindDeviceNotFound, cfg.UUID, err)
		}
		mode.SetMode(restored.ModeRecovery)
		if err := guard.Acquire("recovery"); err != nil {
			return nil, err
		}
		return rec, nil

	default:
		return nil, restored.NewError("orchestrator.enter_recovery", restored.KindDeviceNotFound, cfg.UUID, fmt.Errorf("unexpected mode %v", p.mode))
	}
}

// awaitRecoveryEnumeration polls EnumerateRecovery until it succeeds or
// cfg.AwaitRestoreTimeout elapses, giving the device time to reboot after
// EnterRecovery before a USB/HID re-enumeration becomes visible.
func awaitRecoveryEnumeration(ctx context.Context, en device.Enumerator, cfg Config) (device.RecoveryTransport, error) {
	poll := cfg.AwaitRestorePoll
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	deadline := time.Now().Add(cfg.AwaitRestoreTimeout)
	for {
		rec, err := en.EnumerateRecovery(ctx, cfg.UUID)
		if err == nil {
			return rec, nil
		}
		if cfg.AwaitRestoreTimeout > 0 && time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func loadManifest(bndl *bundle.Bundle, codec plist.Codec) (*manifest.Manifest, error) {
	raw, err := bndl.ExtractToMemory("BuildManifest.plist")
	if err != nil {
		return nil, err
	}
	v, err := codec.Decode(raw)
	if err != nil {
		return nil, restored.NewError("manifest.decode", restored.KindManifestMalformed, "BuildManifest.plist", err)
	}
	return manifest.Decode(v)
}

func requestTicket(ctx context.Context, cfg Config, codec plist.Codec, m *manifest.Manifest, ecid uint64) (*manifest.Ticket, error) {
	req, err := signing.BuildRequest(m, ecid)
	if err != nil {
		return nil, err
	}
	client := signing.NewClient(cfg.SigningURL, cfg.SigningProc)
	ticketVal, err := client.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return manifest.DecodeTicket(ticketVal)
}

// stageFilesystemImage extracts the manifest's root filesystem payload to a
// temp file and returns its path plus a cleanup func that removes the temp
// directory. Callers must invoke cleanup once the restore session no longer
// needs the file (spec §4.8: staged for the lifetime of one restore run).
func stageFilesystemImage(bndl *bundle.Bundle, m *manifest.Manifest) (string, func(), error) {
	fsPath, err := m.FilesystemPath()
	if err != nil {
		return "", func() {}, err
	}
	tmpDir, err := os.MkdirTemp("", "restored-fs-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("orchestrator: create temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(tmpDir) }
	localPath := filepath.Join(tmpDir, filepath.Base(fsPath))
	if err := bndl.ExtractToFile(fsPath, localPath); err != nil {
		cleanup()
		return "", func() {}, err
	}
	return localPath, cleanup, nil
}

func uploadBootChain(ctx context.Context, bndl *bundle.Bundle, ticket *manifest.Ticket, operator transition.OperatorPrompter, mode *restored.ModeCell, recovery device.RecoveryTransport, cfg Config, logger logrus.FieldLogger) error {
	manager := restored.NewManager(logger)
	tdeps := &transition.Dependencies{
		Bundle:   bndl,
		Ticket:   ticket,
		Operator: operator,
		Mode:     mode,
		Custom:   cfg.Custom,
		DebugDir: cfg.DebugDir,
	}
	start, err := transition.BuildUploadBootChain(ctx, tdeps, manager)
	if err != nil {
		return err
	}
	_, err = start(ctx, &transition.UploadRequest{Recovery: recovery})
	return err
}
