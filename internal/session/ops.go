package session

import (
	"context"

	"github.com/mattjoyce/crucible/internal/history"
	"github.com/mattjoyce/crucible/internal/param"
	"github.com/mattjoyce/crucible/internal/schema"
)

// openLocked takes the exclusive lock and loads the snapshot without
// attaching a backend. For operations that never touch the compute resource.
func (st *Store) openLocked(id string) (*Handle, error) {
	if err := st.acquire(id); err != nil {
		return nil, err
	}
	sess, err := st.load(id)
	if err != nil {
		st.release(id)
		return nil, err
	}
	return &Handle{Session: sess, store: st}, nil
}

// Info returns the caller-facing projection of a session's last snapshot.
func (st *Store) Info(id string) (schema.SessionInfo, error) {
	sess, err := st.load(id)
	if err != nil {
		return schema.SessionInfo{}, err
	}
	return sess.Info(), nil
}

// Status returns a session's current state.
func (st *Store) Status(id string) (schema.State, error) {
	sess, err := st.load(id)
	if err != nil {
		return "", err
	}
	return sess.State, nil
}

// Parameters returns the resolved parameters of one group from the last
// snapshot.
func (st *Store) Parameters(id string, group schema.Group) ([]*param.Parameter, error) {
	sess, err := st.load(id)
	if err != nil {
		return nil, err
	}
	return sess.System.Group(group), nil
}

// UpdateParameter sets a new value on a session parameter, regressing the
// session state when the change invalidates an earlier build or run.
func (st *Store) UpdateParameter(id string, group schema.Group, name string, value any) error {
	return st.mutate(id, group, func(sess *Session) error {
		return sess.System.UpdateParameter(group, name, value)
	})
}

// UploadParameterFile stores explicit byte content for a file parameter.
func (st *Store) UploadParameterFile(id string, group schema.Group, name, fileName string, content []byte) error {
	return st.mutate(id, group, func(sess *Session) error {
		return sess.System.UploadParameterFile(group, name, fileName, content)
	})
}

// ResetParameter restores a session parameter to its definition default.
func (st *Store) ResetParameter(id string, group schema.Group, name string) error {
	return st.mutate(id, group, func(sess *Session) error {
		return sess.System.ResetParameter(group, name)
	})
}

// mutate applies one parameter mutation under the exclusive lock. Failed
// mutations are discarded so the snapshot never holds a partial change.
func (st *Store) mutate(id string, group schema.Group, fn func(*Session) error) error {
	h, err := st.openLocked(id)
	if err != nil {
		return err
	}
	sess := h.Session
	if err := sess.checkMutable(); err != nil {
		h.discard()
		return err
	}
	if err := fn(sess); err != nil {
		h.discard()
		return err
	}
	sess.regressAfterMutation(group)
	return h.Close()
}

// Results evaluates availability for every result the session's system
// declares.
func (st *Store) Results(id string) ([]schema.ResultInfo, error) {
	sess, err := st.load(id)
	if err != nil {
		return nil, err
	}
	return sess.System.ListResults(sess.State)
}

// GetResult fetches one available result into the session's results
// directory and returns its local path.
func (st *Store) GetResult(ctx context.Context, id, name string) (string, error) {
	h, err := st.Open(ctx, id)
	if err != nil {
		return "", err
	}
	defer h.Close()
	return h.Session.System.GetResult(ctx, name, h.Session.State)
}

// History returns the recorded executions of a session, oldest first. Without
// a ledger the history is empty.
func (st *Store) History(ctx context.Context, id string) ([]history.Entry, error) {
	if _, err := st.load(id); err != nil {
		return nil, err
	}
	if st.ledger == nil {
		return nil, nil
	}
	return st.ledger.ForSession(ctx, id)
}
