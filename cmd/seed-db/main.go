package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/shopfront/internal/domain/auth"
	"github.com/xenking/shopfront/internal/domain/product"
	"github.com/xenking/shopfront/internal/storage/postgres"
	"github.com/xenking/shopfront/internal/storage/sqlite"
)

type catalogJSON struct {
	Principals []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Role string `json:"role"`
	} `json:"principals"`
	Products []struct {
		ID          string          `json:"id"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Category    string          `json:"category"`
		Price       decimal.Decimal `json:"price"`
		Images      []string        `json:"images"`
	} `json:"products"`
}

// tokenFlags collects repeated --token principal:token values.
type tokenFlags map[string]string

func (t tokenFlags) String() string { return "" }

func (t tokenFlags) Set(v string) error {
	id, token, ok := strings.Cut(v, ":")
	if !ok || id == "" || token == "" {
		return errors.Errorf("want principal:token, got %q", v)
	}
	t[id] = token
	return nil
}

// sink is where the catalog is written.
type sink struct {
	upsertProduct   func(context.Context, product.Product) error
	upsertPrincipal func(context.Context, auth.Principal) error
	upsertToken     func(ctx context.Context, hash, principalID string) error
	parallel        int
	close           func()
}

func main() {
	var (
		driver      string
		databaseURL string
		dbPath      string
		catalogFile string
		pepper      string
		tokens      = tokenFlags{}
	)

	flag.StringVar(&driver, "driver", "postgres", "storage backend: postgres or sqlite")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&dbPath, "database-path", "shop.db", "SQLite database file")
	flag.StringVar(&catalogFile, "catalog", "db/seed/catalog.json", "path to catalog JSON file, optionally gzipped (.gz)")
	flag.StringVar(&pepper, "token-pepper", "", "HMAC pepper for API token hashing (or SHOP_TOKEN_PEPPER env)")
	flag.Var(tokens, "token", "principal:token pair to seed; repeatable")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if pepper == "" {
		pepper = os.Getenv("SHOP_TOKEN_PEPPER")
	}
	if len(tokens) > 0 && pepper == "" {
		slog.Error("token pepper is required to seed tokens: set --token-pepper or SHOP_TOKEN_PEPPER")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	out, err := open(ctx, driver, databaseURL, dbPath)
	if err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer out.close()

	if err := run(ctx, out, catalogFile, tokens, []byte(pepper)); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func open(ctx context.Context, driver, databaseURL, dbPath string) (*sink, error) {
	switch driver {
	case "postgres":
		if databaseURL == "" {
			return nil, errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		slog.Info("connecting to database")
		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "connect to database")
		}
		slog.Info("running migrations")
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		s := postgres.NewStore(pool)
		return &sink{
			upsertProduct:   s.Products().(*postgres.ProductRepository).Upsert,
			upsertPrincipal: s.Tokens().UpsertPrincipal,
			upsertToken:     s.Tokens().UpsertToken,
			parallel:        4,
			close:           pool.Close,
		}, nil
	case "sqlite":
		slog.Info("opening database", slog.String("path", dbPath))
		s, err := sqlite.Open(ctx, dbPath)
		if err != nil {
			return nil, errors.Wrap(err, "open database")
		}
		return &sink{
			upsertProduct:   s.Products().(*sqlite.ProductRepository).Upsert,
			upsertPrincipal: s.Tokens().UpsertPrincipal,
			upsertToken:     s.Tokens().UpsertToken,
			parallel:        1,
			close:           func() { _ = s.Close() },
		}, nil
	default:
		return nil, errors.Errorf("unknown driver %q", driver)
	}
}

func run(ctx context.Context, out *sink, catalogFile string, tokens tokenFlags, pepper []byte) error {
	catalog, err := readCatalog(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog")
	}

	slog.Info("upserting products", slog.Int("count", len(catalog.Products)))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(out.parallel)
	for _, p := range catalog.Products {
		g.Go(func() error {
			if err := out.upsertProduct(gctx, product.Product{
				ID:          p.ID,
				Name:        p.Name,
				Description: p.Description,
				Category:    p.Category,
				Price:       p.Price,
				Images:      p.Images,
			}); err != nil {
				return errors.Wrapf(err, "upsert product %s", p.ID)
			}
			slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, p := range catalog.Principals {
		principal := auth.Principal{ID: p.ID, Name: p.Name, Role: auth.Role(p.Role)}
		if !principal.Role.Valid() {
			return errors.Errorf("principal %s: unknown role %q", p.ID, p.Role)
		}
		if err := out.upsertPrincipal(ctx, principal); err != nil {
			return errors.Wrapf(err, "upsert principal %s", p.ID)
		}
		slog.Info("upserted principal", slog.String("id", p.ID), slog.String("role", p.Role))
	}

	for id, token := range tokens {
		if err := out.upsertToken(ctx, auth.HashToken(pepper, token), id); err != nil {
			return errors.Wrapf(err, "upsert token for %s", id)
		}
		slog.Info("upserted token", slog.String("principal", id))
	}
	return nil
}

func readCatalog(path string) (*catalogJSON, error) {
	slog.Info("reading catalog file", slog.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	var catalog catalogJSON
	if err := json.NewDecoder(r).Decode(&catalog); err != nil {
		return nil, errors.Wrap(err, "parse catalog JSON")
	}
	return &catalog, nil
}
