// Package restoresession implements the Restore Session Loop (spec §4.7):
// on a restore-mode session the caller has already opened, issues
// startRestore, then dispatches each
// inbound message on MsgType/DataType until a fatal class, a terminal
// status, or device removal ends the loop. Spec §9 Open Question (b) is
// resolved here via an explicit FatalClass predicate: every other
// per-message error is a logged warning that does not abort the loop.
package restoresession

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/superfly/restored"
	"github.com/superfly/restored/bundle"
	"github.com/superfly/restored/device"
	"github.com/superfly/restored/manifest"
	"github.com/superfly/restored/transition"
)

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "restored_restore_session_messages_total",
	Help: "Restore-mode messages received, by MsgType and outcome.",
}, []string{"msg_type", "outcome"})

// ProgressSink receives forwarded ProgressMsg messages.
type ProgressSink func(msg device.RestoreMessage)

// StatusSink receives forwarded StatusMsg messages; it returns whether the
// status is terminal (spec §4.7: "a terminal status ends the loop").
type StatusSink func(msg device.RestoreMessage) (terminal bool)

// DataType values dispatched by spec §4.7's table.
const (
	DataTypeSystemImage = "SystemImageData"
	DataTypeKernelCache = "KernelCache"
	DataTypeNOR         = "NORData"
)

// Dependencies are the collaborators the loop needs.
type Dependencies struct {
	Session  device.RestoreSession
	Mode     *restored.ModeCell
	Bundle   *bundle.Bundle
	Ticket   *manifest.Ticket
	Progress ProgressSink
	Status   StatusSink
	// Custom disables signature replacement (spec §6 "custom" mode).
	Custom bool
	// DebugDir, if non-empty, persists personalized components under their
	// basenames. The bbolt message transcript is enabled separately, by
	// setting Transcript (orchestrator.Run opens one when DebugDir is set).
	DebugDir string
	// FilesystemImagePath is the local temp path of the extracted root
	// filesystem payload (spec §4.8: extracted by the Orchestrator before
	// the session opens), streamed on DataTypeSystemImage.
	FilesystemImagePath string
	// Transcript, if non-nil, receives every dispatched message for
	// post-mortem inspection (spec §4.7 expansion: bbolt debug transcript,
	// supplementing, not replacing, the required debug-mode file
	// persistence).
	Transcript *Transcript
}

// Run implements spec §4.7: issues startRestore, then loops until a fatal
// class, a terminal status, or DEVICE_REMOVE-triggered quit, which it
// reports as KindDisconnected. It does not read the device's version
// before issuing startRestore.
func Run(ctx context.Context, deps *Dependencies) error {
	logger := logrus.WithField("phase", "restore_session")

	if err := deps.Session.Send(ctx, device.RestoreMessage{MsgType: "startRestore"}); err != nil {
		return restored.NewError("restoresession.start", restored.KindTransportIO, "", err)
	}

	for {
		if deps.Mode.Quit() {
			logger.Info("quit observed; ending restore session")
			return restored.NewError("restoresession.quit", restored.KindDisconnected, "", nil)
		}

		msgStart := time.Now()
		msg, err := deps.Session.Receive(ctx)
		if err != nil {
			messagesTotal.WithLabelValues("unknown", "transport_error").Inc()
			return restored.NewError("restoresession.receive", restored.KindDisconnected, "", err)
		}

		if deps.Transcript != nil {
			deps.Transcript.Record(msg)
		}

		done, err := dispatch(ctx, deps, msg)
		if m := restored.MetricsFromContext(ctx); m != nil {
			m.RecordSessionMessage(time.Since(msgStart))
		}
		if err != nil {
			if FatalClass(err) {
				messagesTotal.WithLabelValues(msg.MsgType, "fatal").Inc()
				return err
			}
			messagesTotal.WithLabelValues(msg.MsgType, "warning").Inc()
			logger.WithError(err).Warn("non-fatal restore-session message error; continuing")
			continue
		}
		messagesTotal.WithLabelValues(msg.MsgType, "ok").Inc()
		if done {
			return nil
		}
	}
}

// FatalClass is spec §9 Open Question (b)'s resolution: the closed set of
// error classes that end the loop. Everything else is a warning.
func FatalClass(err error) bool {
	k, ok := restored.KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case restored.KindRestoreUnknownDataType, restored.KindRestoreTerminalStatus, restored.KindDisconnected:
		return true
	default:
		return false
	}
}

func dispatch(ctx context.Context, deps *Dependencies, msg device.RestoreMessage) (done bool, err error) {
	switch msg.MsgType {
	case "ProgressMsg":
		if deps.Progress != nil {
			deps.Progress(msg)
		}
		return false, nil

	case "StatusMsg":
		terminal := false
		if deps.Status != nil {
			terminal = deps.Status(msg)
		}
		if terminal {
			return true, restored.NewError("restoresession.status", restored.KindRestoreTerminalStatus, fmt.Sprint(msg.Fields["Status"]), nil)
		}
		return false, nil

	case "DataRequestMsg":
		return false, dispatchDataRequest(ctx, deps, msg)

	default:
		logrus.WithField("msg_type", msg.MsgType).Debug("ignoring unrecognized restore-session message")
		return false, nil
	}
}

func dispatchDataRequest(ctx context.Context, deps *Dependencies, msg device.RestoreMessage) error {
	switch msg.DataType {
	case DataTypeSystemImage:
		return streamFilesystemImage(ctx, deps)
	case DataTypeKernelCache:
		return personalizeAndSend(deps, msg, "KernelCache")
	case DataTypeNOR:
		return personalizeAndSend(deps, msg, "NORData")
	default:
		return restored.NewError("restoresession.data_request", restored.KindRestoreUnknownDataType, msg.DataType, nil)
	}
}

// streamFilesystemImage hands the locally staged filesystem payload (spec
// §4.8: extracted to disk by the Orchestrator before the session opens) to
// the on-device image streamer by path, rather than reading it into memory
// first: it is the one payload too large for the personalize-in-memory
// path the other data types use.
func streamFilesystemImage(ctx context.Context, deps *Dependencies) error {
	if err := deps.Session.SendFile(ctx, deps.FilesystemImagePath); err != nil {
		return restored.NewError("restoresession.stream_image", restored.KindTransportIO, deps.FilesystemImagePath, err)
	}
	return nil
}

func personalizeAndSend(deps *Dependencies, msg device.RestoreMessage, componentName string) error {
	path, _ := msg.Fields["Path"].(string)
	var (
		p   *transition.Personalized
		err error
	)
	if path != "" {
		p, err = transition.PersonalizeByPath(deps.Bundle, deps.Ticket, path, deps.Custom, deps.DebugDir)
	} else {
		p, err = transition.PersonalizeByName(deps.Bundle, deps.Ticket, componentName, deps.Custom, deps.DebugDir)
	}
	if err != nil {
		return err
	}
	if err := deps.Session.SendBytes(context.Background(), p.Bytes); err != nil {
		return restored.NewError("restoresession.personalize_and_send", restored.KindTransportIO, componentName, err)
	}
	return nil
}

// Transcript appends every dispatched restore-session message to a bbolt
// bucket keyed by a ULID, so a failed restore can be replayed/inspected
// after the fact (spec §4.7 expansion). This supplements, and does not
// replace, the required basename-file debug persistence.
type Transcript struct {
	db     *bolt.DB
	bucket []byte
}

const transcriptBucket = "restore_messages"

// OpenTranscript opens (creating if absent) a bbolt database at path for
// recording a debug-mode session transcript.
func OpenTranscript(path string) (*Transcript, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("restoresession: open transcript: %w", err)
	}
	bucket := []byte(transcriptBucket)
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("restoresession: create transcript bucket: %w", err)
	}
	return &Transcript{db: db, bucket: bucket}, nil
}

// Record appends msg to the transcript under a freshly generated ULID key,
// so entries sort in receipt order.
func (t *Transcript) Record(msg device.RestoreMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := ulid.Make()
	_ = t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(t.bucket).Put(key[:], data)
	})
}

// Close closes the underlying bbolt database.
func (t *Transcript) Close() error { return t.db.Close() }
