package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUserNotFound        = errors.New("user not found")
	ErrUserAlreadyExists   = errors.New("user already exists")
	ErrClientNotFound      = errors.New("client not found")
	ErrClientAlreadyExists = errors.New("client already exists")
)

// User is a dashboard/CLI account authenticated via username+password.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Email        string
	Roles        []string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Active       bool
}

// ClientCredential is a machine account authenticated via client_id/client_secret,
// used by CI systems and other novapm instances calling the HTTP API.
type ClientCredential struct {
	ID           string
	ClientID     string
	ClientSecret string
	Name         string
	Scopes       []string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Active       bool
}

// Store persists users and client credentials for the auth service.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context, offset, limit int) ([]*User, int, error)

	CreateClient(ctx context.Context, c *ClientCredential) error
	GetClient(ctx context.Context, id string) (*ClientCredential, error)
	GetClientByClientID(ctx context.Context, clientID string) (*ClientCredential, error)
	UpdateClient(ctx context.Context, c *ClientCredential) error
	DeleteClient(ctx context.Context, id string) error
	ListClients(ctx context.Context, offset, limit int) ([]*ClientCredential, int, error)

	Close() error
}

// StoreConfig selects and configures a Store. Type "sqlite" is the only
// durable backend; it is intentionally separate from the Persistence
// Layer's own sqlite driver since credentials are a distinct collection
// with its own lifecycle and are never downsampled or cascade-deleted
// alongside process/metric/event data.
type StoreConfig struct {
	Type string // "sqlite" (default) or "memory"
	Path string
}

func NewStore(config StoreConfig) (Store, error) {
	switch strings.ToLower(config.Type) {
	case "", "sqlite":
		path := config.Path
		if path == "" {
			path = "novapm-auth.db"
		}
		return newSQLiteStore(path)
	case "memory":
		return newMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported auth store type: %s", config.Type)
	}
}

// sqliteStore is the default Store backend.
type sqliteStore struct {
	db *sql.DB
}

func newSQLiteStore(path string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS auth_users(
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			roles TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS auth_clients(
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL UNIQUE,
			client_secret TEXT NOT NULL,
			name TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		);`)
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) CreateUser(ctx context.Context, u *User) error {
	roles, _ := json.Marshal(u.Roles)
	meta, _ := json.Marshal(u.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_users(id, username, password_hash, email, roles, metadata, created_at, updated_at, active)
		VALUES(?,?,?,?,?,?,?,?,?);`,
		u.ID, u.Username, u.PasswordHash, u.Email, string(roles), string(meta), u.CreatedAt, u.UpdatedAt, boolToInt(u.Active))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrUserAlreadyExists
	}
	return err
}

func (s *sqliteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var roles, meta string
	var active int
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &roles, &meta, &u.CreatedAt, &u.UpdatedAt, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(roles), &u.Roles)
	_ = json.Unmarshal([]byte(meta), &u.Metadata)
	u.Active = active != 0
	return &u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, email, roles, metadata, created_at, updated_at, active FROM auth_users WHERE id=?;`, id)
	return s.scanUser(row)
}

func (s *sqliteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, email, roles, metadata, created_at, updated_at, active FROM auth_users WHERE username=?;`, username)
	return s.scanUser(row)
}

func (s *sqliteStore) UpdateUser(ctx context.Context, u *User) error {
	roles, _ := json.Marshal(u.Roles)
	meta, _ := json.Marshal(u.Metadata)
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_users SET username=?, password_hash=?, email=?, roles=?, metadata=?, updated_at=?, active=? WHERE id=?;`,
		u.Username, u.PasswordHash, u.Email, string(roles), string(meta), u.UpdatedAt, boolToInt(u.Active), u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_users WHERE id=?;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *sqliteStore) ListUsers(ctx context.Context, offset, limit int) ([]*User, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_users;`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, email, roles, metadata, created_at, updated_at, active
		FROM auth_users ORDER BY username LIMIT ? OFFSET ?;`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		var u User
		var roles, meta string
		var active int
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &roles, &meta, &u.CreatedAt, &u.UpdatedAt, &active); err != nil {
			return nil, 0, err
		}
		_ = json.Unmarshal([]byte(roles), &u.Roles)
		_ = json.Unmarshal([]byte(meta), &u.Metadata)
		u.Active = active != 0
		out = append(out, &u)
	}
	return out, total, rows.Err()
}

func (s *sqliteStore) CreateClient(ctx context.Context, c *ClientCredential) error {
	scopes, _ := json.Marshal(c.Scopes)
	meta, _ := json.Marshal(c.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_clients(id, client_id, client_secret, name, scopes, metadata, created_at, updated_at, active)
		VALUES(?,?,?,?,?,?,?,?,?);`,
		c.ID, c.ClientID, c.ClientSecret, c.Name, string(scopes), string(meta), c.CreatedAt, c.UpdatedAt, boolToInt(c.Active))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrClientAlreadyExists
	}
	return err
}

func (s *sqliteStore) scanClient(row *sql.Row) (*ClientCredential, error) {
	var c ClientCredential
	var scopes, meta string
	var active int
	if err := row.Scan(&c.ID, &c.ClientID, &c.ClientSecret, &c.Name, &scopes, &meta, &c.CreatedAt, &c.UpdatedAt, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(scopes), &c.Scopes)
	_ = json.Unmarshal([]byte(meta), &c.Metadata)
	c.Active = active != 0
	return &c, nil
}

func (s *sqliteStore) GetClient(ctx context.Context, id string) (*ClientCredential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, client_id, client_secret, name, scopes, metadata, created_at, updated_at, active FROM auth_clients WHERE id=?;`, id)
	return s.scanClient(row)
}

func (s *sqliteStore) GetClientByClientID(ctx context.Context, clientID string) (*ClientCredential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, client_id, client_secret, name, scopes, metadata, created_at, updated_at, active FROM auth_clients WHERE client_id=?;`, clientID)
	return s.scanClient(row)
}

func (s *sqliteStore) UpdateClient(ctx context.Context, c *ClientCredential) error {
	scopes, _ := json.Marshal(c.Scopes)
	meta, _ := json.Marshal(c.Metadata)
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_clients SET client_id=?, client_secret=?, name=?, scopes=?, metadata=?, updated_at=?, active=? WHERE id=?;`,
		c.ClientID, c.ClientSecret, c.Name, string(scopes), string(meta), c.UpdatedAt, boolToInt(c.Active), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClientNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteClient(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_clients WHERE id=?;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClientNotFound
	}
	return nil
}

func (s *sqliteStore) ListClients(ctx context.Context, offset, limit int) ([]*ClientCredential, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_clients;`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, client_secret, name, scopes, metadata, created_at, updated_at, active
		FROM auth_clients ORDER BY name LIMIT ? OFFSET ?;`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*ClientCredential
	for rows.Next() {
		var c ClientCredential
		var scopes, meta string
		var active int
		if err := rows.Scan(&c.ID, &c.ClientID, &c.ClientSecret, &c.Name, &scopes, &meta, &c.CreatedAt, &c.UpdatedAt, &active); err != nil {
			return nil, 0, err
		}
		_ = json.Unmarshal([]byte(scopes), &c.Scopes)
		_ = json.Unmarshal([]byte(meta), &c.Metadata)
		c.Active = active != 0
		out = append(out, &c)
	}
	return out, total, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// memoryStore backs tests and single-process dev setups that don't want a
// credentials database on disk.
type memoryStore struct {
	mu      sync.Mutex
	users   map[string]*User
	clients map[string]*ClientCredential
}

func newMemoryStore() *memoryStore {
	return &memoryStore{users: map[string]*User{}, clients: map[string]*ClientCredential{}}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) CreateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return ErrUserAlreadyExists
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *memoryStore) UpdateUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memoryStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *memoryStore) ListUsers(_ context.Context, offset, limit int) ([]*User, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		all = append(all, &cp)
	}
	return paginateUsers(all, offset, limit), len(all), nil
}

func (s *memoryStore) CreateClient(_ context.Context, c *ClientCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.clients {
		if existing.ClientID == c.ClientID {
			return ErrClientAlreadyExists
		}
	}
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

func (s *memoryStore) GetClient(_ context.Context, id string) (*ClientCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memoryStore) GetClientByClientID(_ context.Context, clientID string) (*ClientCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.ClientID == clientID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrClientNotFound
}

func (s *memoryStore) UpdateClient(_ context.Context, c *ClientCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; !ok {
		return ErrClientNotFound
	}
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

func (s *memoryStore) DeleteClient(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return ErrClientNotFound
	}
	delete(s.clients, id)
	return nil
}

func (s *memoryStore) ListClients(_ context.Context, offset, limit int) ([]*ClientCredential, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*ClientCredential, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		all = append(all, &cp)
	}
	return paginateClients(all, offset, limit), len(all), nil
}

func paginateUsers(all []*User, offset, limit int) []*User {
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

func paginateClients(all []*ClientCredential, offset, limit int) []*ClientCredential {
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}
