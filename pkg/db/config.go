package db

// Config selects the dialect and shapes the connection pool. Type is
// one of postgres, mysql, sqlite.
type Config struct {
	Type     string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string

	// Pool knobs; lifetimes are in minutes. Zero values keep the
	// driver defaults.
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}
