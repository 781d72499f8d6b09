package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// casRetries bounds how often MarkState re-reads after losing a race.
const casRetries = 5

// TeardownFunc removes the compute behind a workspace, and its data unless
// preserveData is set. It is invoked while the record is in deleting.
type TeardownFunc func(ctx context.Context, ws *workspace.Workspace, preserveData bool) error

// Filter narrows List results. An empty filter returns every live record.
type Filter struct {
	States         []workspace.State
	Kind           workspace.Kind
	IncludeDeleted bool
}

// Registry is the durable workspace record store.
type Registry struct {
	db      *sql.DB
	prefix  string
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger

	mu       sync.RWMutex
	teardown TeardownFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithNamespacePrefix sets the prefix used when deriving namespaces.
func WithNamespacePrefix(prefix string) Option {
	return func(r *Registry) { r.prefix = prefix }
}

// WithTimeout bounds every store call.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over an open database.
func New(db *sql.DB, opts ...Option) *Registry {
	r := &Registry{
		db:      db,
		prefix:  "forage-",
		timeout: 5 * time.Second,
		now:     time.Now,
		log:     logging.Component("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnDelete registers the teardown hook Delete invokes.
func (r *Registry) OnDelete(fn TeardownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardown = fn
}

func (r *Registry) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Registry) stamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

// ResolveOrCreate returns the live workspace for owner, inserting a pending
// record when none exists. Concurrent callers for the same owner converge on
// one record. kind and image only apply to a newly created record.
func (r *Registry) ResolveOrCreate(ctx context.Context, owner workspace.Owner, kind workspace.Kind, image string) (*workspace.Workspace, error) {
	if err := owner.Validate(); err != nil {
		return nil, errors.InvalidArgument(err.Error())
	}
	if _, err := workspace.ParseKind(string(kind)); err != nil {
		return nil, errors.InvalidArgument(err.Error())
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	ns := workspace.Namespace(r.prefix, owner)
	data, err := json.Marshal(workspace.DataHandle{Name: workspace.DataVolumeName(ns), Kind: string(kind)})
	if err != nil {
		return nil, fmt.Errorf("marshal data handle: %w", err)
	}
	now := r.stamp()

	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO workspaces(id, owner_key, namespace, backing_kind, state, image, data_handle, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), owner.Key(), ns, string(kind), string(workspace.StatePending), image, string(data), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		r.log.Info("workspace created", "owner", owner.Key(), "namespace", ns, "kind", kind)
	}

	return r.lookup(ctx, owner)
}

// Lookup returns the live workspace for owner or NotFound.
func (r *Registry) Lookup(ctx context.Context, owner workspace.Owner) (*workspace.Workspace, error) {
	if err := owner.Validate(); err != nil {
		return nil, errors.InvalidArgument(err.Error())
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.lookup(ctx, owner)
}

func (r *Registry) lookup(ctx context.Context, owner workspace.Owner) (*workspace.Workspace, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE owner_key = ? AND state <> 'deleted';`, owner.Key())
	ws, err := scanWorkspace(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound(owner.Key())
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	return ws, nil
}

// Require returns the live workspace for owner only if it is running.
// A record that exists in any other state yields PendingProvisioning.
func (r *Registry) Require(ctx context.Context, owner workspace.Owner) (*workspace.Workspace, error) {
	ws, err := r.Lookup(ctx, owner)
	if err != nil {
		return nil, err
	}
	if ws.State != workspace.StateRunning {
		return ws, errors.PendingProvisioning(ws.Namespace, string(ws.State))
	}
	return ws, nil
}

// Get returns a workspace by id, including deleted records.
func (r *Registry) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.get(ctx, id)
}

func (r *Registry) get(ctx context.Context, id string) (*workspace.Workspace, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?;`, id)
	ws, err := scanWorkspace(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	return ws, nil
}

// List returns workspaces matching filter, oldest first.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*workspace.Workspace, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if !filter.IncludeDeleted {
		where = append(where, "state <> 'deleted'")
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, s := range filter.States {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Kind != "" {
		where = append(where, "backing_kind = ?")
		args = append(args, string(filter.Kind))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id;"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*workspace.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// UpdateConnection atomically replaces the stored connection descriptor and
// exposure. Readers observe either the old or the new descriptor.
func (r *Registry) UpdateConnection(ctx context.Context, id string, desc *workspace.ConnectionDescriptor, exposure workspace.Exposure) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var conn any
	if desc != nil {
		b, err := json.Marshal(desc)
		if err != nil {
			return fmt.Errorf("marshal connection: %w", err)
		}
		conn = string(b)
	}
	exp, err := json.Marshal(exposure)
	if err != nil {
		return fmt.Errorf("marshal exposure: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE workspaces SET connection = ?, exposure = ?, updated_at = ?
WHERE id = ? AND state <> 'deleted';
`, conn, string(exp), r.stamp(), id)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound(id)
	}
	return nil
}

// MarkState moves a workspace to the given state. The update is a
// compare-and-swap on the state read beforehand; a lost race re-reads and
// re-validates. Entering provisioning or deleting clears the descriptor.
func (r *Registry) MarkState(ctx context.Context, id string, to workspace.State) (*workspace.Workspace, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := r.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := workspace.CheckTransition(cur.State, to); err != nil {
			return cur, err
		}

		res, err := r.db.ExecContext(ctx, `
UPDATE workspaces
SET state = ?, updated_at = ?, connection = CASE WHEN ? THEN NULL ELSE connection END
WHERE id = ? AND state = ?;
`, string(to), r.stamp(), workspace.ClearsConnection(to), id, string(cur.State))
		if err != nil {
			return nil, fmt.Errorf("update state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if cur.State != to {
				r.log.Debug("workspace state", "namespace", cur.Namespace, "from", cur.State, "to", to)
			}
			return r.get(ctx, id)
		}
	}
	return nil, fmt.Errorf("update state of %s: too much contention", id)
}

// Delete tears a workspace down. The record moves to deleting, the teardown
// hook runs, and the record is kept as deleted history. A failed teardown
// leaves the record in deleting so Delete can be retried.
func (r *Registry) Delete(ctx context.Context, id string, preserveData bool) (*workspace.Workspace, error) {
	ws, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws.State == workspace.StateDeleted {
		return ws, nil
	}

	ws, err = r.MarkState(ctx, id, workspace.StateDeleting)
	if err != nil {
		return ws, err
	}

	r.mu.RLock()
	teardown := r.teardown
	r.mu.RUnlock()

	if teardown != nil {
		if err := teardown(ctx, ws, preserveData); err != nil {
			r.log.Warn("teardown failed", "namespace", ws.Namespace, "error", err)
			return ws, err
		}
	}

	ws, err = r.MarkState(ctx, id, workspace.StateDeleted)
	if err != nil {
		return ws, err
	}
	r.log.Info("workspace deleted", "namespace", ws.Namespace, "preserve_data", preserveData)
	return ws, nil
}

const selectColumns = `SELECT id, owner_key, namespace, backing_kind, state, image, connection, exposure, data_handle, created_at, updated_at FROM workspaces`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(s scanner) (*workspace.Workspace, error) {
	var (
		ws                               workspace.Workspace
		ownerKey, kind, state            string
		conn                             sql.NullString
		exposure, data, created, updated string
	)
	if err := s.Scan(&ws.ID, &ownerKey, &ws.Namespace, &kind, &state, &ws.Image, &conn, &exposure, &data, &created, &updated); err != nil {
		return nil, err
	}

	owner, err := workspace.ParseOwnerKey(ownerKey)
	if err != nil {
		return nil, err
	}
	ws.Owner = owner
	ws.Kind = workspace.Kind(kind)
	ws.State = workspace.State(state)

	if conn.Valid && conn.String != "" {
		ws.Connection = &workspace.ConnectionDescriptor{}
		if err := json.Unmarshal([]byte(conn.String), ws.Connection); err != nil {
			return nil, fmt.Errorf("decode connection: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(exposure), &ws.Exposure); err != nil {
		return nil, fmt.Errorf("decode exposure: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &ws.Data); err != nil {
		return nil, fmt.Errorf("decode data handle: %w", err)
	}
	if ws.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if ws.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &ws, nil
}
