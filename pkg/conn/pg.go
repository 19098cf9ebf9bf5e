package conn

import (
	"fmt"
	"net/url"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Option defines connection options for PostgreSQL. ConnString, when set,
// wins over the individual fields.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	Config *gorm.Config
}

// Client wraps a PostgreSQL connection pool.
type Client struct {
	opt Option
	db  *gorm.DB
}

// New opens the pool and verifies it with a ping.
func New(option Option) (*Client, error) {
	dsn := option.DSN()

	config := option.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	}

	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres").With("host", option.Host)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "postgres pool")
	}
	if option.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(option.MaxOpenConns)
	}
	if option.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(option.MaxIdleConns)
	}
	if option.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(option.ConnMaxLifetime)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return &Client{opt: option, db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DSN renders the connection URL.
func (opt Option) DSN() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String()
}
