package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres implements Repository over a *sql.DB, grounded on the teacher's
// api/internal/db package family (ApplicationDB, GroupDB, UserDB): one
// struct per concern wrapping *sql.DB, parameterized queries via
// QueryRowContext/ExecContext, JSONB for free-form fields (env), no ORM.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an already-open, already-migrated connection pool.
func NewPostgres(conn *sql.DB) *Postgres {
	return &Postgres{db: conn}
}

func (p *Postgres) CreateNode(ctx context.Context, n Node) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO nodes (id, owner_id, public_key, hostname, status, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.OwnerID, n.PublicKey, n.Hostname, n.Status, nullTime(n.LastSeen), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

func (p *Postgres) GetNode(ctx context.Context, id string) (Node, error) {
	var n Node
	var lastSeen sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, public_key, hostname, status, last_seen, created_at
		FROM nodes WHERE id = $1
	`, id).Scan(&n.ID, &n.OwnerID, &n.PublicKey, &n.Hostname, &n.Status, &lastSeen, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node: %w", err)
	}
	if lastSeen.Valid {
		n.LastSeen = lastSeen.Time
	}
	return n, nil
}

func (p *Postgres) GetNodeByPublicKey(ctx context.Context, publicKey string) (Node, bool, error) {
	var n Node
	var lastSeen sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, public_key, hostname, status, last_seen, created_at
		FROM nodes WHERE public_key = $1
	`, publicKey).Scan(&n.ID, &n.OwnerID, &n.PublicKey, &n.Hostname, &n.Status, &lastSeen, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, fmt.Errorf("get node by public key: %w", err)
	}
	if lastSeen.Valid {
		n.LastSeen = lastSeen.Time
	}
	return n, true, nil
}

func (p *Postgres) UpdateNodeStatus(ctx context.Context, id string, status NodeStatus, lastSeen time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE nodes SET status = $1, last_seen = $2 WHERE id = $3
	`, status, lastSeen, id)
	if err != nil {
		return fmt.Errorf("update node status: %w", err)
	}
	return requireRowAffected(res, "update node status")
}

func (p *Postgres) ListNodesByOwner(ctx context.Context, ownerID string) ([]Node, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, public_key, hostname, status, last_seen, created_at
		FROM nodes WHERE owner_id = $1 ORDER BY created_at ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list nodes by owner: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		var lastSeen sql.NullTime
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.PublicKey, &n.Hostname, &n.Status, &lastSeen, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		if lastSeen.Valid {
			n.LastSeen = lastSeen.Time
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteNode(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

func (p *Postgres) CreateApp(ctx context.Context, a App) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	envJSON, err := json.Marshal(a.Env)
	if err != nil {
		return fmt.Errorf("marshal app env: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO apps (id, owner_id, node_id, repo_url, main_port, ports, env, status, last_commit_hash, non_code_allowlist, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.OwnerID, a.NodeID, a.RepoURL, a.MainPort, pq.Array(a.Ports), envJSON, a.Status, a.LastCommitHash, pq.Array(a.NonCodeAllowlist), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	return nil
}

func (p *Postgres) GetApp(ctx context.Context, id string) (App, error) {
	a, err := p.scanAppRow(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, node_id, repo_url, main_port, ports, env, status, last_commit_hash, non_code_allowlist, created_at
		FROM apps WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return App{}, ErrNotFound
	}
	if err != nil {
		return App{}, fmt.Errorf("get app: %w", err)
	}
	return a, nil
}

func (p *Postgres) FindAppByRepoURL(ctx context.Context, ownerID, repoURL string) (App, bool, error) {
	a, err := p.scanAppRow(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, node_id, repo_url, main_port, ports, env, status, last_commit_hash, non_code_allowlist, created_at
		FROM apps WHERE owner_id = $1 AND repo_url = $2
	`, ownerID, repoURL))
	if err == sql.ErrNoRows {
		return App{}, false, nil
	}
	if err != nil {
		return App{}, false, fmt.Errorf("find app by repo url: %w", err)
	}
	return a, true, nil
}

func (p *Postgres) scanAppRow(row *sql.Row) (App, error) {
	var a App
	var envJSON []byte
	if err := row.Scan(&a.ID, &a.OwnerID, &a.NodeID, &a.RepoURL, &a.MainPort, pq.Array(&a.Ports), &envJSON, &a.Status, &a.LastCommitHash, pq.Array(&a.NonCodeAllowlist), &a.CreatedAt); err != nil {
		return App{}, err
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &a.Env); err != nil {
			return App{}, fmt.Errorf("unmarshal app env: %w", err)
		}
	}
	return a, nil
}

func (p *Postgres) UpdateAppStatus(ctx context.Context, id string, status AppStatus, commitHash string) error {
	var res sql.Result
	var err error
	if commitHash != "" {
		res, err = p.db.ExecContext(ctx, `UPDATE apps SET status = $1, last_commit_hash = $2 WHERE id = $3`, status, commitHash, id)
	} else {
		res, err = p.db.ExecContext(ctx, `UPDATE apps SET status = $1 WHERE id = $2`, status, id)
	}
	if err != nil {
		return fmt.Errorf("update app status: %w", err)
	}
	return requireRowAffected(res, "update app status")
}

func (p *Postgres) ListAppsByNode(ctx context.Context, nodeID string) ([]App, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, node_id, repo_url, main_port, ports, env, status, last_commit_hash, non_code_allowlist, created_at
		FROM apps WHERE node_id = $1 ORDER BY created_at ASC
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list apps by node: %w", err)
	}
	defer rows.Close()

	var out []App
	for rows.Next() {
		var a App
		var envJSON []byte
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.NodeID, &a.RepoURL, &a.MainPort, pq.Array(&a.Ports), &envJSON, &a.Status, &a.LastCommitHash, pq.Array(&a.NonCodeAllowlist), &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan app row: %w", err)
		}
		if len(envJSON) > 0 {
			if err := json.Unmarshal(envJSON, &a.Env); err != nil {
				return nil, fmt.Errorf("unmarshal app env: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteApp(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM apps WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete app: %w", err)
	}
	return nil
}

func (p *Postgres) CreateProxy(ctx context.Context, pr Proxy) error {
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO proxies (id, app_id, domain, ssl_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, pr.ID, pr.AppID, pr.Domain, pr.SSLEnabled, pr.CreatedAt)
	if err != nil {
		return fmt.Errorf("create proxy: %w", err)
	}
	return nil
}

func (p *Postgres) GetProxyByDomain(ctx context.Context, domain string) (Proxy, bool, error) {
	var pr Proxy
	err := p.db.QueryRowContext(ctx, `
		SELECT id, app_id, domain, ssl_enabled, created_at FROM proxies WHERE domain = $1
	`, domain).Scan(&pr.ID, &pr.AppID, &pr.Domain, &pr.SSLEnabled, &pr.CreatedAt)
	if err == sql.ErrNoRows {
		return Proxy{}, false, nil
	}
	if err != nil {
		return Proxy{}, false, fmt.Errorf("get proxy by domain: %w", err)
	}
	return pr, true, nil
}

func (p *Postgres) ListProxiesByApp(ctx context.Context, appID string) ([]Proxy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, app_id, domain, ssl_enabled, created_at FROM proxies WHERE app_id = $1
	`, appID)
	if err != nil {
		return nil, fmt.Errorf("list proxies by app: %w", err)
	}
	defer rows.Close()

	var out []Proxy
	for rows.Next() {
		var pr Proxy
		if err := rows.Scan(&pr.ID, &pr.AppID, &pr.Domain, &pr.SSLEnabled, &pr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan proxy row: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteProxy(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM proxies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}
	return nil
}

func (p *Postgres) CreateRegistrationToken(ctx context.Context, t RegistrationToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO registration_tokens (value, owner_id, used, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, t.Value, t.OwnerID, t.Used, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create registration token: %w", err)
	}
	return nil
}

// ConsumeRegistrationToken marks the token used inside a transaction, so a
// concurrent second consume attempt for the same value fails rather than
// racing (spec.md §3: RegistrationToken is single-use).
func (p *Postgres) ConsumeRegistrationToken(ctx context.Context, value string) (RegistrationToken, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return RegistrationToken{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var t RegistrationToken
	err = tx.QueryRowContext(ctx, `
		SELECT value, owner_id, used, expires_at, created_at
		FROM registration_tokens WHERE value = $1 FOR UPDATE
	`, value).Scan(&t.Value, &t.OwnerID, &t.Used, &t.ExpiresAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return RegistrationToken{}, fmt.Errorf("consume registration token: %w", ErrNotFound)
	}
	if err != nil {
		return RegistrationToken{}, fmt.Errorf("consume registration token: %w", err)
	}
	if t.Used {
		return RegistrationToken{}, fmt.Errorf("registration token already used")
	}
	if time.Now().After(t.ExpiresAt) {
		return RegistrationToken{}, fmt.Errorf("registration token expired")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE registration_tokens SET used = true WHERE value = $1`, value); err != nil {
		return RegistrationToken{}, fmt.Errorf("mark registration token used: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return RegistrationToken{}, fmt.Errorf("commit registration token consume: %w", err)
	}
	t.Used = true
	return t, nil
}

func (p *Postgres) PruneExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM registration_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("prune expired tokens: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) AppendActivity(ctx context.Context, e ActivityEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, owner_id, node_id, type, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.OwnerID, e.NodeID, e.Type, e.Status, e.Details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

func (p *Postgres) ListActivity(ctx context.Context, ownerID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, node_id, type, status, details, created_at
		FROM activity_log WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.NodeID, &e.Type, &e.Status, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TrimActivity deletes everything past the newest `keep` rows for an owner,
// matching the bounded-retention requirement in spec.md §3.
func (p *Postgres) TrimActivity(ctx context.Context, ownerID string, keep int) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM activity_log
		WHERE owner_id = $1 AND id NOT IN (
			SELECT id FROM activity_log WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2
		)
	`, ownerID, keep)
	if err != nil {
		return fmt.Errorf("trim activity: %w", err)
	}
	return nil
}

func requireRowAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
