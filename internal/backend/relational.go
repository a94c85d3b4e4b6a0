package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zot/databridge/internal/protocol"
)

// Registered relational drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// RelationalAdapter wraps one database/sql connection.
type RelationalAdapter struct {
	params ConnectParams
	log    Logger
	driver string
	db     *sql.DB
}

func newRelationalAdapter(params ConnectParams, log Logger) *RelationalAdapter {
	driver := params.Driver
	if driver == "" {
		driver = DriverMySQL
	}
	return &RelationalAdapter{params: params, log: log, driver: driver}
}

// Kind reports the backend kind.
func (a *RelationalAdapter) Kind() Kind { return KindRelational }

// Connect opens the database handle, verifies it, and creates the identity
// tables if they do not exist.
func (a *RelationalAdapter) Connect(ctx context.Context) error {
	switch a.driver {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		return &ConnectionError{Kind: KindRelational,
			Err: fmt.Errorf("%w: driver %q", ErrUnsupportedBackend, a.driver)}
	}

	db, err := sql.Open(a.driver, a.dsn())
	if err != nil {
		return &ConnectionError{Kind: KindRelational, Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &ConnectionError{Kind: KindRelational, Err: err}
	}
	a.db = db
	if err := a.ensureSchema(ctx); err != nil {
		db.Close()
		a.db = nil
		return &ConnectionError{Kind: KindRelational, Err: err}
	}
	a.log.Log(1, "connected to relational store (%s)", a.driver)
	return nil
}

func (a *RelationalAdapter) dsn() string {
	if a.params.DSN != "" {
		return a.params.DSN
	}
	switch a.driver {
	case DriverPostgres:
		if a.params.URL != "" {
			return a.params.URL
		}
		return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
			orDefault(a.params.User, "postgres"), a.params.Password,
			orDefault(a.params.Host, "localhost"), orDefault(a.params.Database, "mydb"))
	case DriverSQLite:
		return orDefault(a.params.Database, ":memory:")
	default: // mysql
		return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true",
			orDefault(a.params.User, "root"), a.params.Password,
			orDefault(a.params.Host, "localhost"), orDefault(a.params.Database, "mydb"))
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

var schemaDDL = map[string][]string{
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS users (
			id INT AUTO_INCREMENT PRIMARY KEY,
			email VARCHAR(255),
			password TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INT AUTO_INCREMENT PRIMARY KEY,
			user_id VARCHAR(64),
			token TEXT,
			data TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			email TEXT,
			password TEXT,
			created_at TIMESTAMPTZ DEFAULT now(),
			updated_at TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id SERIAL PRIMARY KEY,
			user_id TEXT,
			token TEXT,
			data TEXT,
			created_at TIMESTAMPTZ DEFAULT now(),
			updated_at TIMESTAMPTZ DEFAULT now()
		)`,
	},
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT,
			password TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT,
			token TEXT,
			data TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	},
}

func (a *RelationalAdapter) ensureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL[a.driver] {
		if _, err := a.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle. Idempotent.
func (a *RelationalAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	db := a.db
	a.db = nil
	return db.Close()
}

// placeholder renders the n-th (1-based) bind parameter for the driver.
func (a *RelationalAdapter) placeholder(n int) string {
	if a.driver == DriverPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Execute runs one structured command and normalizes its result by operation
// kind. Statements are always parameterized; table and column names come
// from the closed grammar and are validated as plain identifiers.
func (a *RelationalAdapter) Execute(ctx context.Context, method string, cmd *protocol.Command) *protocol.Result {
	if a.db == nil {
		return a.execError(method, ErrNotBound)
	}
	if cmd == nil || !identPattern.MatchString(cmd.Collection) {
		return a.execError(method, fmt.Errorf("invalid table name"))
	}

	switch method {
	case protocol.OpInsert:
		return a.executeInsert(ctx, method, cmd)
	case protocol.OpDelete:
		return a.executeDelete(ctx, method, cmd)
	case protocol.OpUpdate:
		return a.executeUpdate(ctx, method, cmd)
	default:
		// get, and raw passthrough for unrecognized kinds
		rows, err := a.selectRows(ctx, cmd)
		if err != nil {
			return a.execError(method, err)
		}
		return protocol.SuccessResult(method, rows)
	}
}

func (a *RelationalAdapter) executeInsert(ctx context.Context, method string, cmd *protocol.Command) *protocol.Result {
	cols, args, err := sortedColumns(cmd.Document)
	if err != nil {
		return a.execError(method, err)
	}
	if len(cols) == 0 {
		return a.execError(method, fmt.Errorf("insert requires a document"))
	}

	marks := make([]string, len(cols))
	for i := range cols {
		marks[i] = a.placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		cmd.Collection, strings.Join(cols, ", "), strings.Join(marks, ", "))

	var insertedID int64
	if a.driver == DriverPostgres {
		err = a.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&insertedID)
	} else {
		var res sql.Result
		res, err = a.db.ExecContext(ctx, query, args...)
		if err == nil {
			insertedID, err = res.LastInsertId()
		}
	}
	if err != nil {
		return a.execError(method, err)
	}

	idStr := strconv.FormatInt(insertedID, 10)
	doc, err := a.selectByID(ctx, cmd.Collection, insertedID)
	if err != nil {
		return a.execError(method, err)
	}
	return protocol.SuccessResult(method, &protocol.InsertResult{
		InsertedID:  idStr,
		InsertedDoc: doc,
	})
}

func (a *RelationalAdapter) executeDelete(ctx context.Context, method string, cmd *protocol.Command) *protocol.Result {
	where, args, err := a.whereClause(cmd.Filter, 1)
	if err != nil {
		return a.execError(method, err)
	}
	res, err := a.db.ExecContext(ctx, "DELETE FROM "+cmd.Collection+where, args...)
	if err != nil {
		return a.execError(method, err)
	}
	affected, _ := res.RowsAffected()
	// A delete that matched nothing still succeeds with a zero count.
	return protocol.SuccessResult(method, &protocol.DeleteResult{
		DeletedID:    filterID(cmd.Filter),
		DeletedCount: affected,
	})
}

func (a *RelationalAdapter) executeUpdate(ctx context.Context, method string, cmd *protocol.Command) *protocol.Result {
	cols, args, err := sortedColumns(cmd.Document)
	if err != nil {
		return a.execError(method, err)
	}
	if len(cols) == 0 {
		return a.execError(method, fmt.Errorf("update requires a document"))
	}

	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = col + " = " + a.placeholder(i+1)
	}
	where, whereArgs, err := a.whereClause(cmd.Filter, len(cols)+1)
	if err != nil {
		return a.execError(method, err)
	}
	query := fmt.Sprintf("UPDATE %s SET %s%s", cmd.Collection, strings.Join(sets, ", "), where)
	if _, err := a.db.ExecContext(ctx, query, append(args, whereArgs...)...); err != nil {
		return a.execError(method, err)
	}

	rows, err := a.selectRows(ctx, cmd)
	if err != nil {
		return a.execError(method, err)
	}
	var updatedDoc interface{}
	if len(rows) > 0 {
		updatedDoc = rows[0]
	}
	return protocol.SuccessResult(method, &protocol.UpdateResult{
		UpdatedID:  filterID(cmd.Filter),
		UpdatedDoc: updatedDoc,
	})
}

func (a *RelationalAdapter) selectRows(ctx context.Context, cmd *protocol.Command) ([]map[string]interface{}, error) {
	where, args, err := a.whereClause(cmd.Filter, 1)
	if err != nil {
		return nil, err
	}
	query := "SELECT * FROM " + cmd.Collection + where
	if cmd.Limit > 0 {
		query += " LIMIT " + strconv.FormatInt(cmd.Limit, 10)
	}
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return rowsToMaps(rows)
}

func (a *RelationalAdapter) selectByID(ctx context.Context, table string, id int64) (map[string]interface{}, error) {
	rows, err := a.db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE id = %s", table, a.placeholder(1)), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	maps, err := rowsToMaps(rows)
	if err != nil || len(maps) == 0 {
		return nil, err
	}
	return maps[0], nil
}

// whereClause builds "WHERE c1 = pN AND c2 = pN+1" from a structured filter
// with deterministic column order. An empty filter yields no clause.
func (a *RelationalAdapter) whereClause(filter map[string]interface{}, first int) (string, []interface{}, error) {
	cols, args, err := sortedColumns(filter)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, nil
	}
	conds := make([]string, len(cols))
	for i, col := range cols {
		conds[i] = col + " = " + a.placeholder(first+i)
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// sortedColumns validates the map's keys as identifiers and returns them in
// stable order alongside their values.
func sortedColumns(m map[string]interface{}) ([]string, []interface{}, error) {
	cols := make([]string, 0, len(m))
	for col := range m {
		if !identPattern.MatchString(col) {
			return nil, nil, fmt.Errorf("invalid column name %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		args[i] = m[col]
	}
	return cols, args, nil
}

// rowsToMaps scans a result set into generic column maps.
func rowsToMaps(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (a *RelationalAdapter) execError(method string, err error) *protocol.Result {
	wrapped := &ExecutionError{Kind: KindRelational, Err: err}
	a.log.Log(0, "%v", wrapped)
	return protocol.ErrorResult(method, wrapped.Error())
}

// WatchChanges polls the table's updated_at column on a timer. The cursor
// re-arms after each detected batch.
func (a *RelationalAdapter) WatchChanges(name string, fn ChangeFunc, opts WatchOptions) (*Subscription, error) {
	if a.db == nil {
		return nil, ErrNotBound
	}
	if !identPattern.MatchString(name) {
		return nil, fmt.Errorf("invalid table name %q", name)
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE updated_at > %s ORDER BY updated_at DESC",
		name, a.placeholder(1))
	poll := func(since time.Time) ([]Change, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opts.interval())
		defer cancel()
		rows, err := a.db.QueryContext(ctx, query, a.timeArg(since))
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		maps, err := rowsToMaps(rows)
		if err != nil {
			return nil, err
		}
		changes := make([]Change, len(maps))
		for i, m := range maps {
			changes[i] = Change(m)
		}
		return changes, nil
	}
	a.log.Log(2, "polling %s every %s", name, opts.interval())
	return newSubscription(startPoller(name, opts.interval(), poll, fn, a.log)), nil
}

// timeArg formats the cursor for the driver. SQLite stores
// CURRENT_TIMESTAMP as text, so the comparison has to be textual too.
func (a *RelationalAdapter) timeArg(ts time.Time) interface{} {
	if a.driver == DriverSQLite {
		return ts.UTC().Format("2006-01-02 15:04:05")
	}
	return ts
}

// Identity returns the identity/session store backed by the users and
// sessions tables.
func (a *RelationalAdapter) Identity() IdentityStore {
	return &relationalIdentity{a: a}
}

// Blobs reports no bucket support; blobs live in the document backend.
func (a *RelationalAdapter) Blobs() BlobStore { return nil }

// relationalIdentity persists users and sessions in SQL tables.
type relationalIdentity struct {
	a *RelationalAdapter
}

func (r *relationalIdentity) SignUp(ctx context.Context, email, password string) (string, error) {
	a := r.a
	var existing int64
	err := a.db.QueryRowContext(ctx,
		"SELECT count(*) FROM users WHERE email = "+a.placeholder(1), email).Scan(&existing)
	if err != nil {
		return "", err
	}
	if existing > 0 {
		return "", ErrDuplicateIdentity
	}

	hash, err := hashPassword(password)
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf("INSERT INTO users (email, password) VALUES (%s, %s)",
		a.placeholder(1), a.placeholder(2))

	var id int64
	if a.driver == DriverPostgres {
		err = a.db.QueryRowContext(ctx, query+" RETURNING id", email, hash).Scan(&id)
	} else {
		var res sql.Result
		res, err = a.db.ExecContext(ctx, query, email, hash)
		if err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (r *relationalIdentity) SignIn(ctx context.Context, email, password string) (*User, error) {
	a := r.a
	var id int64
	var storedEmail, hash string
	err := a.db.QueryRowContext(ctx,
		"SELECT id, email, password FROM users WHERE email = "+a.placeholder(1), email).
		Scan(&id, &storedEmail, &hash)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !checkPassword(hash, password) {
		return nil, ErrInvalidCredentials
	}
	return &User{ID: strconv.FormatInt(id, 10), Email: storedEmail}, nil
}

func (r *relationalIdentity) GetUser(ctx context.Context, userID string) (*User, error) {
	a := r.a
	var id int64
	var email string
	var createdAt time.Time
	err := a.db.QueryRowContext(ctx,
		"SELECT id, email, created_at FROM users WHERE id = "+a.placeholder(1), userID).
		Scan(&id, &email, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &User{ID: strconv.FormatInt(id, 10), Email: email, CreatedAt: createdAt}, nil
}

func (r *relationalIdentity) GetUsers(ctx context.Context, userIDs []string) ([]User, error) {
	if len(userIDs) == 0 {
		return []User{}, nil
	}
	a := r.a
	marks := make([]string, len(userIDs))
	args := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		marks[i] = a.placeholder(i + 1)
		args[i] = id
	}
	query := fmt.Sprintf("SELECT id, email, created_at FROM users WHERE id IN (%s)",
		strings.Join(marks, ", "))
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (r *relationalIdentity) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.a.db.QueryContext(ctx, "SELECT id, email, created_at FROM users")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	users := []User{}
	for rows.Next() {
		var id int64
		var email string
		var createdAt time.Time
		if err := rows.Scan(&id, &email, &createdAt); err != nil {
			return nil, err
		}
		users = append(users, User{ID: strconv.FormatInt(id, 10), Email: email, CreatedAt: createdAt})
	}
	return users, rows.Err()
}

func (r *relationalIdentity) SetSession(ctx context.Context, userID, sessionID string) error {
	a := r.a
	_, err := a.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO sessions (user_id, token) VALUES (%s, %s)",
			a.placeholder(1), a.placeholder(2)),
		userID, sessionID)
	return err
}

func (r *relationalIdentity) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	a := r.a
	rows, err := a.db.QueryContext(ctx,
		"SELECT user_id, token, data, created_at, updated_at FROM sessions WHERE token = "+a.placeholder(1),
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	return &sessions[0], nil
}

func (r *relationalIdentity) GetSessions(ctx context.Context, userID string) ([]Session, error) {
	a := r.a
	rows, err := a.db.QueryContext(ctx,
		"SELECT user_id, token, data, created_at, updated_at FROM sessions WHERE user_id = "+a.placeholder(1),
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	sessions := []Session{}
	for rows.Next() {
		var userID, token string
		var data sql.NullString
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&userID, &token, &data, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		s := Session{UserID: userID, SessionID: token, CreatedAt: createdAt, UpdatedAt: updatedAt}
		if data.Valid && data.String != "" {
			s.Data = json.RawMessage(data.String)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *relationalIdentity) ChangeSession(ctx context.Context, sessionID string, data json.RawMessage) error {
	a := r.a
	res, err := a.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE sessions SET data = %s, updated_at = CURRENT_TIMESTAMP WHERE token = %s",
			a.placeholder(1), a.placeholder(2)),
		string(data), sessionID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("session: %w", ErrNotFound)
	}
	return nil
}

func (r *relationalIdentity) KillSession(ctx context.Context, sessionID string) error {
	a := r.a
	res, err := a.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE token = "+a.placeholder(1), sessionID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("session: %w", ErrNotFound)
	}
	return nil
}

func (r *relationalIdentity) KillSessions(ctx context.Context, userID string) (int64, error) {
	a := r.a
	res, err := a.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE user_id = "+a.placeholder(1), userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
