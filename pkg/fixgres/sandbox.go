package fixgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	faker "github.com/go-faker/faker/v4"
	"github.com/pressly/goose/v3"

	"github.com/zoravur/expstream/pkg/prng"
)

// Sandbox is a database of its own on the shared server.
type Sandbox struct {
	DB   *sql.DB
	Name string
	Seed int64
	Endpoint
	Close func()
}

var (
	bootOnce sync.Once
	booted   bool
	bootErr  error
	gooseMu  sync.Mutex
)

// BootOnce starts the server the first time it is called.
func BootOnce(t testing.TB, opts ...Option) {
	t.Helper()
	bootOnce.Do(func() {
		booted = true
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		cfg := &config{}
		for _, o := range opts {
			o(cfg)
		}
		if cfg.seed == 0 {
			cfg.seed = randomSeed()
		}
		bootErr = boot(ctx, cfg)
	})
	if bootErr != nil {
		t.Fatalf("fixgres boot failed: %v", bootErr)
	}
}

// NewSandbox creates a uniquely named database, runs the configured
// migrations in it and drops it when the test ends.
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	if !booted {
		t.Fatalf("fixgres not booted. Call fixgres.BootOnce(...) in TestMain first.")
	}
	ep := Server()

	admin, err := sql.Open("pgx", ep.DSN(adminDB))
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	name := fmt.Sprintf("t_%x", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE DATABASE "`+name+`"`); err != nil {
		t.Fatalf("create database: %v", err)
	}

	db, err := sql.Open("pgx", ep.DSN(name))
	if err != nil {
		t.Fatalf("open sandbox: %v", err)
	}
	if settings.gooseFS != nil {
		if err := migrate(db); err != nil {
			t.Fatalf("migrate %s: %v", name, err)
		}
	}

	sbx := &Sandbox{
		DB:       db,
		Name:     name,
		Seed:     settings.seed,
		Endpoint: ep,
	}
	var closeOnce sync.Once
	sbx.Close = func() {
		closeOnce.Do(func() {
			_ = db.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, _ = admin.ExecContext(ctx, `DROP DATABASE IF EXISTS "`+name+`" WITH (FORCE)`)
			_ = admin.Close()
		})
	}
	t.Cleanup(sbx.Close)
	return sbx
}

// SeedFaker makes faker output reproducible from the sandbox seed.
func (s *Sandbox) SeedFaker() {
	faker.SetCryptoSource(prng.New(s.Seed))
}

func migrate(db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(settings.gooseFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

func randomSeed() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}
