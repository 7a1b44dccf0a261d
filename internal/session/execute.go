package session

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/crucible/internal/history"
	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/schema"
)

// progressBuffer bounds how many undrained progress chunks an execution may
// accumulate before the producer blocks.
const progressBuffer = 64

// maxExitMessage caps the error text recorded per ledger entry; a failed
// command embeds its whole captured output.
const maxExitMessage = 64 << 10

// ExecuteRequest describes one build or run invocation.
type ExecuteRequest struct {
	Phase   schema.Group
	Timeout time.Duration
	Async   bool
}

// Execute runs a build or run cycle for the session. Synchronous calls block
// until the command returns and yield its captured output. Asynchronous calls
// transition the session into the executing state, persist that snapshot and
// return immediately; a background task owns the session's exclusive lock for
// its whole lifetime, drains streamed output chunks from the backend and
// appends them to the log, persisting after each chunk so read-only opens see
// live progress.
func (st *Store) Execute(ctx context.Context, id string, req ExecuteRequest) (string, error) {
	h, err := st.Open(ctx, id)
	if err != nil {
		return "", err
	}
	sess := h.Session
	prev := sess.State

	if err := sess.beginExecute(req.Phase); err != nil {
		h.discard()
		return "", err
	}

	ledgerID := st.recordBegin(ctx, sess, req.Phase)

	if !req.Async {
		output, execErr := sess.System.Execute(ctx, req.Phase, req.Timeout, nil)
		sess.finishExecute(req.Phase, output, execErr)
		st.recordFinish(ctx, ledgerID, sess, execErr)
		if err := h.Close(); err != nil {
			// the command outcome outranks a persist failure
			if execErr == nil {
				return output, err
			}
			log.WithSession(sess.ID).Warn("failed to persist execution snapshot", "error", err)
		}
		return output, execErr
	}

	// visible to read-only opens before the caller returns
	if err := st.persist(sess); err != nil {
		sess.State = prev
		h.discard()
		return "", err
	}
	go st.runAsync(context.WithoutCancel(ctx), h, req, ledgerID)
	return "", nil
}

// runAsync carries out the backend call on behalf of an async Execute. It is
// the only writer of the session until it closes the handle; progress chunks
// are pushed onto a channel by the backend's callback and applied here.
func (st *Store) runAsync(ctx context.Context, h *Handle, req ExecuteRequest, ledgerID string) {
	sess := h.Session
	logger := log.WithSession(sess.ID)

	chunks := make(chan string, progressBuffer)
	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		output, err := sess.System.Execute(ctx, req.Phase, req.Timeout, func(_ int, message string) {
			chunks <- message
		})
		close(chunks)
		done <- outcome{output: output, err: err}
	}()

	for chunk := range chunks {
		sess.appendToLastLog(chunk)
		if err := st.persist(sess); err != nil {
			logger.Warn("failed to persist progress snapshot", "error", err)
		}
	}
	res := <-done

	// streamed chunks already hold the full output
	sess.finishExecute(req.Phase, "", res.err)
	st.recordFinish(ctx, ledgerID, sess, res.err)
	if err := h.Close(); err != nil {
		logger.Error("failed to persist final execution snapshot", "error", err)
	}
	if res.err != nil {
		logger.Info("execution failed", "phase", req.Phase, "state", sess.State, "error", res.err)
	} else {
		logger.Info("execution finished", "phase", req.Phase, "state", sess.State)
	}
}

// Stop terminates the session's in-flight command. It deliberately bypasses
// the exclusive lock, which the executing task holds; the backend handle is
// rebuilt from the last snapshot. The execution path observes the resulting
// failure and performs the terminal transition itself.
func (st *Store) Stop(ctx context.Context, id string) error {
	sess, err := st.load(id)
	if err != nil {
		return err
	}
	if !sess.executing() {
		return fmt.Errorf("%w: nothing is executing (state %q)", ErrState, sess.State)
	}
	if err := sess.System.AttachBackend(ctx, st.compute); err != nil {
		return err
	}
	return sess.System.Stop(ctx)
}

func (st *Store) recordBegin(ctx context.Context, sess *Session, phase schema.Group) string {
	if st.ledger == nil {
		return ""
	}
	id, err := st.ledger.Begin(ctx, sess.ID, sess.System.Name, history.Phase(phase))
	if err != nil {
		log.WithSession(sess.ID).Warn("failed to record execution start", "error", err)
		return ""
	}
	return id
}

func (st *Store) recordFinish(ctx context.Context, ledgerID string, sess *Session, execErr error) {
	if st.ledger == nil || ledgerID == "" {
		return
	}
	msg := ""
	if execErr != nil {
		msg = execErr.Error()
		if len(msg) > maxExitMessage {
			msg = msg[:maxExitMessage]
		}
	}
	if err := st.ledger.Finish(ctx, ledgerID, string(sess.State), msg); err != nil {
		log.WithSession(sess.ID).Warn("failed to record execution finish", "error", err)
	}
}
