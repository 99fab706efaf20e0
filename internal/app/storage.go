package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/balcao/internal/archive"
	"github.com/MrWong99/balcao/internal/config"
	"github.com/MrWong99/balcao/internal/counter"
	"github.com/MrWong99/balcao/internal/interaction"
)

// initPostgres opens the shared pool when a DSN is configured. pgvector types
// are registered only when speaker identification needs them, and the
// extension is created first so registration can find the type.
func (a *App) initPostgres(ctx context.Context) error {
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		return nil
	}
	vector := a.cfg.Speaker.Enabled && a.scorer == nil

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	if vector {
		if a.cfg.Store.Migrate {
			if err := createVectorExtension(ctx, dsn); err != nil {
				return err
			}
		}
		pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func(context.Context) error {
		pool.Close()
		return nil
	})
	a.log.Info("postgres connected", "vector_types", vector)
	return nil
}

func createVectorExtension(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	return nil
}

// initCounters opens the configured counter store and applies the seeds from
// the config file.
func (a *App) initCounters(ctx context.Context) error {
	if a.counters == nil {
		s, err := a.openCounters(ctx)
		if err != nil {
			return err
		}
		a.counters = s
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
	}

	seeds := a.cfg.Store.Counters
	if len(seeds) == 0 {
		return nil
	}
	w, ok := a.counters.(counter.Writer)
	if !ok {
		return fmt.Errorf("store %T cannot be seeded from config", a.counters)
	}
	if err := counter.ApplySeeds(ctx, w, seeds); err != nil {
		return err
	}
	a.log.Info("seeded counters", "count", len(seeds))
	return nil
}

func (a *App) openCounters(ctx context.Context) (counter.Store, error) {
	sc := a.cfg.Store
	switch sc.Driver {
	case config.StoreBadger:
		return counter.OpenBadger(counter.BadgerOptions{Dir: sc.BadgerDir, Logger: a.log})
	case config.StorePostgres:
		if a.pool == nil {
			return nil, errors.New("postgres driver needs store.postgres_dsn")
		}
		p := counter.NewPostgres(a.pool, nil)
		if sc.Migrate {
			if err := p.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return p, nil
	default:
		return counter.NewMemory(), nil
	}
}

// initArchive starts the background archiver over the configured backend.
// Its closer flushes every buffered connection before returning.
func (a *App) initArchive(ctx context.Context) error {
	ac := a.cfg.Archive
	if ac.Driver == config.ArchiveDisabled {
		a.log.Info("audio archival disabled")
		return nil
	}
	if a.files == nil {
		fs, err := newFileStore(ctx, ac)
		if err != nil {
			return err
		}
		a.files = fs
	}
	arc := archive.New(a.files, ac.Config,
		archive.WithLogger(a.log),
		archive.WithMetrics(a.metrics),
	)
	a.archiver = arc
	a.closers = append(a.closers, arc.Close)
	a.log.Info("audio archival enabled", "driver", ac.Driver)
	return nil
}

func newFileStore(_ context.Context, ac config.ArchiveConfig) (archive.FileStore, error) {
	switch ac.Driver {
	case config.ArchiveS3:
		return archive.NewS3(newS3Client(ac.S3), ac.S3.Bucket, ac.S3.Prefix), nil
	default:
		return archive.NewLocal(ac.Dir)
	}
}

// newS3Client builds a client from static configuration. Empty keys leave
// the request unsigned, which suits public buckets and local emulators
// without auth.
func newS3Client(c config.S3Config) *s3.Client {
	opts := s3.Options{
		Region:       c.Region,
		UsePathStyle: c.UsePathStyle,
	}
	if c.Endpoint != "" {
		opts.BaseEndpoint = aws.String(c.Endpoint)
	}
	if c.AccessKeyID != "" {
		creds := aws.Credentials{
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			Source:          "balcao-config",
		}
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		})
	}
	return s3.New(opts)
}

// initInteractions records interactions in Postgres when a pool is open.
func (a *App) initInteractions(ctx context.Context) error {
	if a.interactions != nil {
		return nil
	}
	if a.pool == nil {
		a.log.Info("interaction recording disabled: no postgres configured")
		return nil
	}
	p := interaction.NewPostgres(a.pool)
	if a.cfg.Store.Migrate {
		if err := p.Migrate(ctx); err != nil {
			return err
		}
	}
	a.interactions = p
	return nil
}
