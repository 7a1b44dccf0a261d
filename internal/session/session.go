// Package session implements the session lifecycle: the state machine around
// build and run, the append-only log, and the concurrency-safe store that
// persists sessions as versioned snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/crucible/internal/schema"
	"github.com/mattjoyce/crucible/internal/system"
)

// CoreVersion is recorded in each snapshot's version marker. A mismatch on
// load warns, it never blocks.
const CoreVersion = "0.4.0"

var (
	// ErrLocked reports that a session is exclusively held by another
	// caller or that an execution is in flight.
	ErrLocked = errors.New("session locked")
	// ErrNotFound reports an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrState reports an operation not legal in the session's current
	// state.
	ErrState = errors.New("operation not allowed in current state")
)

// Log producers.
const (
	producerEngine = "engine"
	producerBuild  = "container.build"
	producerRun    = "container.run"
)

// Metadata is the caller-supplied description of a session.
type Metadata struct {
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Creator     string `json:"creator"`
}

// Session is one user-initiated attempt to build and run exactly one resolved
// system configuration.
type Session struct {
	ID        string         `json:"id"`
	Meta      Metadata       `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
	State     schema.State   `json:"state"`
	Log       []schema.LogEntry `json:"log"`
	System    *system.System `json:"system"`
}

func newSession(id string, meta Metadata, sys *system.System) *Session {
	state := schema.StateCreated
	if !sys.HasBuild {
		// no build phase to elide: the session starts ready to run
		state = schema.StateBuilt
	}
	s := &Session{
		ID:        id,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
		State:     state,
		System:    sys,
	}
	s.appendLog(producerEngine, fmt.Sprintf("session created for system %s:%s", sys.Name, sys.Version))
	return s
}

func (s *Session) appendLog(producer, message string) {
	s.Log = append(s.Log, schema.LogEntry{
		Timestamp: time.Now().UTC(),
		Producer:  producer,
		Message:   message,
	})
}

// appendToLastLog extends the most recent log entry's message in place. Used
// for streamed output and terminal command output of an execution.
func (s *Session) appendToLastLog(chunk string) {
	if len(s.Log) == 0 {
		s.appendLog(producerEngine, chunk)
		return
	}
	s.Log[len(s.Log)-1].Message += chunk
}

// Info returns the caller-facing projection of the session.
func (s *Session) Info() schema.SessionInfo {
	logCopy := make([]schema.LogEntry, len(s.Log))
	copy(logCopy, s.Log)
	return schema.SessionInfo{
		Format:        schema.SessionInfoFormat,
		DisplayName:   s.Meta.DisplayName,
		SystemName:    s.System.Name,
		SystemVersion: s.System.Version,
		Creator:       s.Meta.Creator,
		CreatedAt:     s.CreatedAt,
		Description:   s.Meta.Description,
		State:         s.State,
		Log:           logCopy,
		Configuration: s.System.CurrentConfiguration(),
	}
}

func (s *Session) executing() bool {
	return s.State == schema.StateBuilding || s.State == schema.StateRunning
}

// beginExecute validates the phase against the state machine and moves the
// session into the transient executing state.
func (s *Session) beginExecute(phase schema.Group) error {
	if s.executing() {
		return fmt.Errorf("%w: an execution is already in flight (state %q)", ErrLocked, s.State)
	}
	switch phase {
	case schema.GroupBuild:
		if !s.System.HasBuild {
			return fmt.Errorf("%w: system %s:%s has no build command", ErrState, s.System.Name, s.System.Version)
		}
		s.State = schema.StateBuilding
		s.appendLog(producerBuild, "")
	case schema.GroupRun:
		if s.System.HasBuild {
			switch s.State {
			case schema.StateBuilt, schema.StateRan, schema.StateFailedRun:
			default:
				return fmt.Errorf("%w: cannot run before a build (state %q)", ErrState, s.State)
			}
		}
		s.State = schema.StateRunning
		s.appendLog(producerRun, "")
	default:
		return fmt.Errorf("%w: unknown execution phase %q", schema.ErrValidation, phase)
	}
	return nil
}

// finishExecute performs the terminal transition for an execution and records
// its outcome in the log.
func (s *Session) finishExecute(phase schema.Group, output string, execErr error) {
	if execErr == nil {
		if phase == schema.GroupBuild {
			s.State = schema.StateBuilt
		} else {
			s.State = schema.StateRan
		}
		s.appendToLastLog(output)
		return
	}
	if phase == schema.GroupBuild {
		s.State = schema.StateFailedBuild
	} else {
		s.State = schema.StateFailedRun
	}
	s.appendToLastLog(execErr.Error())
}

// regressAfterMutation invalidates build or run outcomes after a parameter
// in the given group changed. A common or build parameter throws the session
// back to its initial state; a run parameter only invalidates the last run.
func (s *Session) regressAfterMutation(group schema.Group) {
	switch group {
	case schema.GroupCommon, schema.GroupBuild:
		switch s.State {
		case schema.StateBuilt, schema.StateFailedBuild, schema.StateRan, schema.StateFailedRun:
			if s.System.HasBuild {
				s.State = schema.StateCreated
			} else {
				s.State = schema.StateBuilt
			}
		}
	case schema.GroupRun:
		switch s.State {
		case schema.StateRan, schema.StateFailedRun:
			s.State = schema.StateBuilt
		}
	}
}

// checkMutable rejects parameter mutation while an execution is in flight.
func (s *Session) checkMutable() error {
	if s.executing() {
		return fmt.Errorf("%w: cannot modify parameters while %s", ErrLocked, s.State)
	}
	return nil
}

// Stop asks the backend to terminate the in-flight execution. The execution
// path itself performs the terminal transition once the backend call unwinds.
func (s *Session) Stop(ctx context.Context) error {
	if !s.executing() {
		return fmt.Errorf("%w: nothing is executing (state %q)", ErrState, s.State)
	}
	return s.System.Stop(ctx)
}
