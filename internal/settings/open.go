package settings

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/sky93/taskmanager"
)

// MySQLConfig builds the driver config. clientFoundRows is always on: the
// store's conditional updates count matched rows.
func (s *Settings) MySQLConfig() *mysql.Config {
	m := s.Storage.MySQL
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = m.Addr
	cfg.User = m.User
	cfg.Passwd = m.Password
	cfg.DBName = m.DBName
	cfg.ClientFoundRows = true
	if len(m.Params) > 0 {
		cfg.Params = make(map[string]string, len(m.Params))
		for k, v := range m.Params {
			cfg.Params[k] = v
		}
	}
	return cfg
}

// OpenStore opens and migrates the configured store.
func (s *Settings) OpenStore(ctx context.Context) (*taskmanager.SQLStore, error) {
	switch strings.ToLower(strings.TrimSpace(s.Storage.Driver)) {
	case "mysql":
		conn, err := mysql.NewConnector(s.MySQLConfig())
		if err != nil {
			return nil, err
		}
		db := sql.OpenDB(conn)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		st, err := taskmanager.NewSQLStore(db, taskmanager.DialectMySQL, s.Storage.MySQL.DBName)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return st, nil
	default:
		busy, err := parseDuration("storage.busy_timeout", s.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		return taskmanager.OpenSQLite(ctx, s.Storage.Path, busy)
	}
}
