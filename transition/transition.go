// Package transition implements the Mode Transition Driver (spec §4.6):
// enterRecovery, uploadBootChain (in the fixed component order, with the
// mandatory operator reattach pause before the last item), and
// awaitRestoreMode. The boot-chain upload is built on the root package's
// generic transition engine, generalized from the teacher's FSM builder.
package transition

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/superfly/restored"
	"github.com/superfly/restored/bundle"
	"github.com/superfly/restored/device"
	"github.com/superfly/restored/manifest"
)

// MaxRetriesUpload is the maximum number of times a single boot-chain
// component upload is retried before the Machine aborts.
const MaxRetriesUpload = 3

// bootChainOrder is spec invariant 5: the exact, fixed upload order.
var bootChainOrder = []string{"iBEC", "AppleLogo", "DeviceTree", "RestoreRamDisk", "KernelCache"}

// operatorGateBefore is the component before which the operator pause is
// mandatory (spec §4.6: "between RestoreRamDisk and KernelCache").
const operatorGateBefore = "KernelCache"

var tracer = otel.Tracer("github.com/superfly/restored/transition")

var bootChainStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "restored_bootchain_steps_total",
	Help: "Boot-chain component uploads attempted, by component and outcome.",
}, []string{"component", "outcome"})

// OperatorPrompter is the scriptable operator interface (spec §6, §9 Open
// Question (c)): instructs the operator to physically detach and reattach
// the device, and blocks until acknowledged.
type OperatorPrompter interface {
	PromptReattach(ctx context.Context) error
}

// NoOpOperatorPrompter immediately acknowledges the reattach prompt,
// without pausing. Used for scripted/test runs (spec §9 Open Question (c)).
type NoOpOperatorPrompter struct{}

// PromptReattach returns nil immediately.
func (NoOpOperatorPrompter) PromptReattach(ctx context.Context) error { return nil }

// Dependencies are the collaborators the driver needs. Operator is an
// interface (spec §6); Bundle, Ticket and Mode are this module's concrete
// types.
type Dependencies struct {
	Bundle   *bundle.Bundle
	Ticket   *manifest.Ticket
	Operator OperatorPrompter
	Mode     *restored.ModeCell
	// Custom disables signature replacement in the personalization
	// pipeline (spec §6 "custom" operating mode).
	Custom bool
	// DebugDir, if non-empty, persists every personalized component under
	// its basename (spec §6 "debug" operating mode).
	DebugDir string
}

// EnterRecovery implements spec §4.6's enterRecovery: valid only from
// NORMAL, instructs the management channel to reboot into recovery. The
// handle is consumed; callers must not use mgmt afterward.
func EnterRecovery(ctx context.Context, mgmt device.ManagementChannel) error {
	ctx, span := tracer.Start(ctx, "transition.EnterRecovery")
	defer span.End()
	if err := mgmt.EnterRecovery(ctx); err != nil {
		return restored.NewError("transition.enter_recovery", restored.KindTransportIO, "", err)
	}
	return nil
}

// UploadRequest is the input to the boot-chain upload Machine.
type UploadRequest struct {
	Recovery device.RecoveryTransport
}

// UploadResponse accumulates the names uploaded so far, in order — used
// both as the Machine's result and to let later steps (and tests) observe
// exactly which components have been sent.
type UploadResponse struct {
	Uploaded []string
}

// BuildUploadBootChain builds the Start function implementing spec §4.6's
// uploadBootChain: the five components in bootChainOrder, with the
// mandatory operator pause surfaced before KernelCache.
func BuildUploadBootChain(ctx context.Context, deps *Dependencies, manager *restored.Manager) (restored.Start[UploadRequest, UploadResponse], error) {
	machine := restored.Register[UploadRequest, UploadResponse](manager, "upload-boot-chain")
	for i, name := range bootChainOrder {
		name := name
		step := uploadStep(deps, name)
		if i == 0 {
			machine = machine.Start(name, step)
		} else {
			machine = machine.To(name, step)
		}
	}
	machine = machine.End("boot-chain-uploaded")

	start, _, err := machine.Build(ctx)
	return start, err
}

func uploadStep(deps *Dependencies, name string) restored.Transition[UploadRequest, UploadResponse] {
	return func(ctx context.Context, req *restored.Request[UploadRequest, UploadResponse]) (*restored.Response[UploadResponse], error) {
		logger := req.Log().WithField("component", name)
		retry := restored.RetryFromContext(ctx)
		if retry > MaxRetriesUpload {
			bootChainStepsTotal.WithLabelValues(name, "aborted").Inc()
			return nil, restored.Abort(fmt.Errorf("exceeded maximum retries (%d) uploading %s", MaxRetriesUpload, name))
		}

		if name == operatorGateBefore {
			logger.Info("awaiting operator reattach before kernel cache upload")
			if err := deps.Operator.PromptReattach(ctx); err != nil {
				bootChainStepsTotal.WithLabelValues(name, "operator_abort").Inc()
				return nil, restored.Abort(restored.NewError("transition.upload", restored.KindTransportIO, name, err))
			}
		}

		ctx, span := tracer.Start(ctx, "transition.uploadComponent", trace.WithAttributes(attribute.String("component", name)))
		defer span.End()
		stepStart := time.Now()

		personalized, err := PersonalizeByName(deps.Bundle, deps.Ticket, name, deps.Custom, deps.DebugDir)
		if err != nil {
			bootChainStepsTotal.WithLabelValues(name, "personalize_error").Inc()
			return nil, restored.Abort(err)
		}

		if err := req.Msg.Recovery.SendImage(ctx, name, personalized.Bytes); err != nil {
			bootChainStepsTotal.WithLabelValues(name, "transport_error").Inc()
			logger.WithError(err).Warn("upload failed; retrying")
			return nil, restored.NewError("transition.upload", restored.KindTransportIO, name, err)
		}

		if m := restored.MetricsFromContext(ctx); m != nil {
			m.RecordBootChainStep(time.Since(stepStart))
		}
		bootChainStepsTotal.WithLabelValues(name, "success").Inc()
		logger.WithField("bytes", personalized.Len).Info("uploaded boot-chain component")

		prior := req.W.Msg
		uploaded := []string{name}
		if prior != nil {
			uploaded = append(append([]string{}, prior.Uploaded...), name)
		}
		return restored.NewResponse(&UploadResponse{Uploaded: uploaded}), nil
	}
}

// AwaitRestoreMode implements spec §4.6's awaitRestoreMode: blocks until
// the transport layer (via deps.Mode) reports the device reappeared in
// RESTORE, or timeout elapses. The transport's DEVICE_ADD observer is
// expected to call deps.Mode.Observe with awaitingRestore=true for the
// duration of this call.
func AwaitRestoreMode(ctx context.Context, mode *restored.ModeCell, timeout time.Duration, poll time.Duration) error {
	ctx, span := tracer.Start(ctx, "transition.AwaitRestoreMode")
	defer span.End()

	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if mode.Mode() == restored.ModeRestore {
			return nil
		}
		if mode.Quit() {
			return restored.NewError("transition.await_restore", restored.KindDisconnected, "", nil)
		}
		if timeout > 0 && time.Now().After(deadline) {
			return restored.NewError("transition.await_restore", restored.KindTransportIO, "", fmt.Errorf("timed out waiting for restore mode"))
		}
		select {
		case <-ctx.Done():
			return restored.NewError("transition.await_restore", restored.KindTransportIO, "", ctx.Err())
		case <-ticker.C:
		}
	}
}
