package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/hb9tf/meshsurvey/channel"
	"github.com/hb9tf/meshsurvey/collection"
	"github.com/hb9tf/meshsurvey/config"
	"github.com/hb9tf/meshsurvey/coverage"
	"github.com/hb9tf/meshsurvey/filter"
	"github.com/hb9tf/meshsurvey/inventory"
	"github.com/hb9tf/meshsurvey/metrics"
	"github.com/hb9tf/meshsurvey/probe"
	"github.com/hb9tf/meshsurvey/store"

	// Blind import support for the SQL drivers used by the store.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

var (
	configFile  = flag.String("config", "", "Path of an optional TOML configuration file. Flags set explicitly take precedence.")
	listen      = flag.String("listen", ":8080", "Address to listen on.")
	certFile    = flag.String("certFile", "", "Path of the file containing the certificate (including the chained intermediates and root) for the TLS connection.")
	keyFile     = flag.String("keyFile", "", "Path of the file containing the key for the TLS connection.")
	storeType   = flag.String("store", "sqlite", "Store to use (one of: sqlite, mysql, postgres, memory)")
	probeType   = flag.String("probe", "static", "Signal probe to use (one of: static, command)")
	probeCmd    = flag.String("probeCommand", "", "Radio CLI run by the command probe. Its output must contain rssi and snr values.")
	discoverCmd = flag.String("discoverCommand", "", "Radio CLI listing the nodes the radio hears, one CSV row per node. Discovery is disabled when empty.")

	// SQLite
	sqliteFile = flag.String("sqliteFile", "/tmp/meshsurvey.db", "File path of the sqlite DB file to use.")

	// MySQL
	mysqlServer       = flag.String("mysqlServer", "127.0.0.1:3306", "MySQL TCP server endpoint to connect to (IP/DNS and port).")
	mysqlUser         = flag.String("mysqlUser", "", "MySQL DB user.")
	mysqlPasswordFile = flag.String("mysqlPasswordFile", "", "Path to the file containing the password for the MySQL user.")
	mysqlDBName       = flag.String("mysqlDBName", "meshsurvey", "Name of the DB to use.")

	// Postgres
	postgresServer       = flag.String("postgresServer", "127.0.0.1:5432", "Postgres TCP server endpoint to connect to (IP/DNS and port).")
	postgresUser         = flag.String("postgresUser", "", "Postgres DB user.")
	postgresPasswordFile = flag.String("postgresPasswordFile", "", "Path to the file containing the password for the Postgres user.")
	postgresDBName       = flag.String("postgresDBName", "meshsurvey", "Name of the DB to use.")
)

const shutdownTimeout = 5 * time.Second

// loadConfig merges the config file with the flags that were set explicitly.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "certFile":
			cfg.CertFile = *certFile
		case "keyFile":
			cfg.KeyFile = *keyFile
		case "store":
			cfg.Store.Type = strings.ToLower(*storeType)
		case "probe":
			cfg.Probe.Type = strings.ToLower(*probeType)
		case "probeCommand":
			cfg.Probe.Command = *probeCmd
		case "discoverCommand":
			cfg.Probe.DiscoverCommand = *discoverCmd
		case "sqliteFile":
			cfg.Store.SQLiteFile = *sqliteFile
		case "mysqlServer":
			cfg.Store.MySQLServer = *mysqlServer
		case "mysqlUser":
			cfg.Store.MySQLUser = *mysqlUser
		case "mysqlPasswordFile":
			cfg.Store.MySQLPasswordFile = *mysqlPasswordFile
		case "mysqlDBName":
			cfg.Store.MySQLDBName = *mysqlDBName
		case "postgresServer":
			cfg.Store.PostgresServer = *postgresServer
		case "postgresUser":
			cfg.Store.PostgresUser = *postgresUser
		case "postgresPasswordFile":
			cfg.Store.PostgresPasswordFile = *postgresPasswordFile
		case "postgresDBName":
			cfg.Store.PostgresDBName = *postgresDBName
		}
	})
	return cfg, cfg.Validate()
}

func readPassword(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	pass, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("unable to read password file %q: %w", path, err)
	}
	return strings.TrimSpace(string(pass)), nil
}

// dataSource returns the driver DSN for the configured SQL store.
func dataSource(cfg config.Store) (string, error) {
	switch cfg.Type {
	case "sqlite":
		return cfg.SQLiteFile, nil
	case "mysql":
		pass, err := readPassword(cfg.MySQLPasswordFile)
		if err != nil {
			return "", err
		}
		c := mysql.Config{
			User:                 cfg.MySQLUser,
			Passwd:               pass,
			Net:                  "tcp",
			Addr:                 cfg.MySQLServer,
			DBName:               cfg.MySQLDBName,
			AllowNativePasswords: true,
		}
		return c.FormatDSN(), nil
	case "postgres":
		pass, err := readPassword(cfg.PostgresPasswordFile)
		if err != nil {
			return "", err
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.PostgresUser, pass),
			Host:   cfg.PostgresServer,
			Path:   "/" + cfg.PostgresDBName,
		}
		return u.String(), nil
	}
	return "", fmt.Errorf("%q is not a SQL store", cfg.Type)
}

// openStore opens the measurement store and the node inventory living next
// to it. The returned close func releases the DB, if any.
func openStore(ctx context.Context, cfg config.Store) (store.Store, inventory.Inventory, func() error, error) {
	if cfg.Type == "memory" {
		glog.Warningln("Using the in-memory store, measurements are lost on exit.")
		return store.NewMemory(), inventory.NewMemory(), func() error { return nil }, nil
	}
	dialect, ok := store.DialectFor(cfg.Type)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%q is not a supported store, pick one of: sqlite, mysql, postgres, memory", cfg.Type)
	}
	dsn, err := dataSource(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := sql.Open(dialect.Name, dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unable to open %s DB: %w", cfg.Type, err)
	}
	switch cfg.Type {
	case "sqlite":
		// sqlite serialises writers anyway and :memory: DBs are per connection.
		db.SetMaxOpenConns(1)
	default:
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
	}
	s, err := store.NewSQL(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	inv, err := inventory.NewSQL(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return s, inv, db.Close, nil
}

// seedNodes registers the configured nodes that are not known yet.
func seedNodes(ctx context.Context, inv inventory.Inventory, nodes []config.Node) error {
	for _, cn := range nodes {
		n, err := cn.Inventory()
		if err != nil {
			return err
		}
		if _, err := inv.Add(ctx, &n); err != nil {
			if errors.Is(err, inventory.ErrExists) {
				glog.V(1).Infof("Node %s already registered\n", cn.MeshIdentity)
				continue
			}
			return fmt.Errorf("unable to register node %s: %w", cn.MeshIdentity, err)
		}
		glog.Infof("Registered node %s (%d)\n", &n, n.ID)
	}
	return nil
}

func newProbe(cfg config.Probe) (probe.Probe, error) {
	opts := probe.Options{Timeout: cfg.Timeout}
	switch cfg.Type {
	case "static":
		glog.Warningf("Using the static probe, every reading is rssi=%d snr=%.1f.\n", cfg.StaticRSSI, cfg.StaticSNR)
		return &probe.Static{RSSI: cfg.StaticRSSI, SNR: cfg.StaticSNR}, nil
	case "command":
		return &probe.Command{Path: cfg.Command, Args: cfg.Args, Options: opts}, nil
	}
	return nil, fmt.Errorf("%q is not a supported probe, pick one of: static, command", cfg.Type)
}

// newDiscoverer returns nil when no discovery command is configured.
func newDiscoverer(cfg config.Probe) probe.Discoverer {
	if cfg.DiscoverCommand == "" {
		return nil
	}
	return &probe.DiscoverCommand{Path: cfg.DiscoverCommand, Args: cfg.DiscoverArgs}
}

func newRouter(api *API, reg *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	api.Register(router)
	return router
}

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		glog.Exitf("invalid configuration: %s", err)
	}

	s, inv, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		glog.Exitf("unable to open %s store: %s", cfg.Store.Type, err)
	}
	defer closeStore()
	if err := seedNodes(ctx, inv, cfg.Nodes); err != nil {
		glog.Exitf("unable to seed nodes: %s", err)
	}
	p, err := newProbe(cfg.Probe)
	if err != nil {
		glog.Exitf("%s", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg)

	agg := coverage.New(s, cfg.Coverage)
	hub := channel.NewHub(collection.Deps{
		Store:     s,
		Probe:     probe.NewGuard(p),
		Inventory: inv,
		Coverage:  agg,
	}, channel.Options{
		Linger:  cfg.Collection.Linger,
		Clock:   clock.RealClock{},
		Metrics: recorder,
		Controller: collection.Options{
			Staleness:   cfg.Collection.Staleness,
			MinInterval: cfg.Collection.MinInterval,
			Filters: []filter.Filterer{
				&filter.FilterBounds{},
				&filter.FilterAccuracy{MaxMeters: cfg.Filter.MaxAccuracyMeters},
			},
		},
	})
	api := &API{
		store:           s,
		inventory:       inv,
		coverage:        agg,
		hub:             hub,
		discoverer:      newDiscoverer(cfg.Probe),
		discoverTimeout: cfg.Probe.DiscoverTimeout,
		now:             time.Now,
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: newRouter(api, reg),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.CertFile != "" || cfg.KeyFile != "" {
			glog.Infof("Serving HTTPS on %s\n", cfg.Listen)
			err = srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			glog.Infoln("Resorting to serving HTTP because there was no certificate and key defined.")
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		glog.Infoln("Shutting down.")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		glog.Errorf("server stopped: %s", err)
	}
}
