// Package fixgres boots a throwaway PostgreSQL server for integration tests
// and hands out one freshly migrated database per test.
package fixgres

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type config struct {
	image    string
	user     string
	password string
	gooseFS  fs.FS
	seed     int64
}

type Option func(*config)

func WithImage(i string) Option    { return func(c *config) { c.image = i } }
func WithUser(u string) Option     { return func(c *config) { c.user = u } }
func WithPassword(p string) Option { return func(c *config) { c.password = p } }
func WithSeed(s int64) Option      { return func(c *config) { c.seed = s } }

// WithGooseUp makes every sandbox database run the migrations found in migFS.
func WithGooseUp(migFS fs.FS) Option {
	return func(c *config) { c.gooseFS = migFS }
}

// Endpoint is where the booted server listens.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
}

// DSN returns a connection string for database on the server.
func (e Endpoint) DSN(database string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		e.User, e.Password, e.Host, e.Port, database)
}

const adminDB = "postgres"

var (
	mu       sync.Mutex
	pg       *postgres.PostgresContainer
	endpoint Endpoint
	settings config
)

func boot(ctx context.Context, c *config) error {
	if c.image == "" {
		c.image = "docker.io/postgres:16-alpine"
	}
	if c.user == "" {
		c.user = "postgres"
	}
	if c.password == "" {
		c.password = "pass"
	}

	container, err := postgres.Run(ctx,
		c.image,
		postgres.WithDatabase(adminDB),
		postgres.WithUsername(c.user),
		postgres.WithPassword(c.password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port.Port())
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	pg = container
	settings = *c
	endpoint = Endpoint{Host: host, Port: p, User: c.user, Password: c.password}
	return nil
}

// Server returns the endpoint of the booted server.
func Server() Endpoint {
	mu.Lock()
	defer mu.Unlock()
	return endpoint
}

func ShutdownNow() error {
	mu.Lock()
	defer mu.Unlock()
	if pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return pg.Terminate(ctx)
}
