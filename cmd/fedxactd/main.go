package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.fedxact.dev/core/coordinator"
	"go.fedxact.dev/core/driver"
	"go.fedxact.dev/core/driver/postgresfdw"
	"go.fedxact.dev/core/driver/sqlitefdw"
	mbp "go.fedxact.dev/core/mainboilerplate"
	"go.fedxact.dev/core/metrics"
	"go.fedxact.dev/core/resolver"
	"go.fedxact.dev/core/syncrep"
	"go.fedxact.dev/core/xlog"
)

const iniFilename = "fedxactd.ini"

// Config is the top-level configuration object of a fedxact daemon.
var Config = new(struct {
	Service struct {
		Port     string `long:"port" env:"PORT" default:"8080" description:"Port of the status and control server"`
		StateDir string `long:"state-dir" env:"STATE_DIR" default:"fdwxact" description:"Directory holding checkpointed foreign-transaction state files"`
		WAL      string `long:"wal" env:"WAL" default:"fedxact.wal" description:"Path of the write-ahead log"`
		Catalog  string `long:"catalog" env:"CATALOG" description:"Path of the JSON catalog of foreign servers and user mappings"`
		NextXID  uint32 `long:"next-xid" env:"NEXT_XID" default:"1" description:"First transaction ID which is not yet assigned"`
	} `group:"Service" namespace:"service" env-namespace:"SERVICE"`

	Coordinator struct {
		MaxPreparedXacts int    `long:"max_prepared_foreign_xacts" env:"MAX_PREPARED_FOREIGN_XACTS" default:"64" description:"Maximum number of prepared foreign transactions"`
		TwophaseCommit   string `long:"foreign_twophase_commit" env:"FOREIGN_TWOPHASE_COMMIT" default:"disabled" choice:"disabled" choice:"required" choice:"prefer" description:"Use of two-phase commit for foreign transactions"`
	} `group:"Coordinator" namespace:"coordinator" env-namespace:"COORDINATOR"`

	Resolver struct {
		MaxResolvers    int           `long:"max_foreign_xact_resolvers" env:"MAX_FOREIGN_XACT_RESOLVERS" default:"2" description:"Maximum number of foreign-transaction resolver workers"`
		RetryInterval   time.Duration `long:"foreign_xact_resolution_retry_interval" env:"FOREIGN_XACT_RESOLUTION_RETRY_INTERVAL" default:"10s" description:"Interval between retries of failed foreign-transaction resolutions"`
		ResolverTimeout time.Duration `long:"foreign_xact_resolver_timeout" env:"FOREIGN_XACT_RESOLVER_TIMEOUT" default:"60s" description:"Idle duration after which a resolver worker exits. Zero disables the timeout"`
	} `group:"Resolver" namespace:"resolver" env-namespace:"RESOLVER"`

	SyncRep struct {
		Commit       string `long:"synchronous_commit" env:"SYNCHRONOUS_COMMIT" default:"on" choice:"off" choice:"local" choice:"remote_write" choice:"on" description:"Synchronous-commit level of committing transactions"`
		StandbyNames string `long:"synchronous_standby_names" env:"SYNCHRONOUS_STANDBY_NAMES" description:"Standby names from which synchronous acknowledgement is required"`
		MaxSenders   int    `long:"max-senders" env:"MAX_SENDERS" default:"8" description:"Maximum number of replication senders"`
	} `group:"SyncRep" namespace:"syncrep" env-namespace:"SYNCREP"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

// catalogFile is the JSON schema of the --service.catalog file.
type catalogFile struct {
	Servers []struct {
		ID     driver.ServerID `json:"id"`
		Name   string          `json:"name"`
		Driver string          `json:"driver"`
		Addr   string          `json:"addr"`
	} `json:"servers"`
	UserMappings []struct {
		ID       driver.UMID     `json:"id"`
		ServerID driver.ServerID `json:"server_id"`
		UserID   driver.UserID   `json:"user_id"`
		DSN      string          `json:"dsn"`
	} `json:"user_mappings"`
}

func loadCatalog(path string) (*driver.Catalog, error) {
	var catalog = driver.NewCatalog()
	if path == "" {
		return catalog, nil
	}

	var body, err = os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file catalogFile
	if err = json.Unmarshal(body, &file); err != nil {
		return nil, err
	}

	for _, s := range file.Servers {
		catalog.AddServer(driver.Server{
			ID: s.ID, Name: s.Name, Driver: s.Driver, Addr: s.Addr,
		})
	}
	for _, um := range file.UserMappings {
		catalog.AddUserMapping(driver.UserMapping{
			ID: um.ID, ServerID: um.ServerID, UserID: um.UserID, DSN: um.DSN,
		})
	}
	return catalog, nil
}

type serveDaemon struct{}

func (serveDaemon) Execute(args []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithField("config", Config).Info("starting fedxactd")
	prometheus.MustRegister(metrics.FedxactCollectors()...)

	var commitMode, err = coordinator.ParseCommitMode(Config.Coordinator.TwophaseCommit)
	mbp.Must(err, "parsing foreign_twophase_commit")
	commitLevel, err := syncrep.ParseCommitLevel(Config.SyncRep.Commit)
	mbp.Must(err, "parsing synchronous_commit")

	catalog, err := loadCatalog(Config.Service.Catalog)
	mbp.Must(err, "loading the foreign-server catalog", "path", Config.Service.Catalog)

	var registry = driver.NewRegistry()
	var pgDriver = postgresfdw.New(Config.Coordinator.MaxPreparedXacts)
	var liteDriver = sqlitefdw.New(Config.Coordinator.MaxPreparedXacts)
	registry.Register(pgDriver)
	registry.Register(liteDriver)
	defer pgDriver.Close()
	defer liteDriver.Close()

	mbp.Must(os.MkdirAll(Config.Service.StateDir, 0700), "creating the state directory")

	// Opening the writer truncates any torn tail left by a crash, so the
	// recovery reader below sees only whole records.
	wal, err := xlog.OpenWriter(Config.Service.WAL)
	mbp.Must(err, "opening the write-ahead log", "path", Config.Service.WAL)

	var ctl = coordinator.NewControl(coordinator.Config{
		MaxPreparedXacts: Config.Coordinator.MaxPreparedXacts,
		CommitMode:       commitMode,
	}, wal, Config.Service.StateDir, registry, catalog)

	_, err = ctl.Recover(Config.Service.WAL,
		coordinator.XID(Config.Service.NextXID), nil)
	mbp.Must(err, "recovering foreign-transaction state")

	var mgr = resolver.NewManager(resolver.Config{
		MaxResolvers:    Config.Resolver.MaxResolvers,
		RetryInterval:   Config.Resolver.RetryInterval,
		ResolverTimeout: Config.Resolver.ResolverTimeout,
	}, ctl)
	mgr.Start()

	engine, err := syncrep.NewEngine(syncrep.Config{
		Level:        commitLevel,
		StandbyNames: Config.SyncRep.StandbyNames,
		MaxSenders:   Config.SyncRep.MaxSenders,
	})
	mbp.Must(err, "parsing synchronous_standby_names")

	var srv = &http.Server{
		Addr:    ":" + Config.Service.Port,
		Handler: newStatusMux(ctl, mgr, engine),
	}

	var group, ctx = errgroup.WithContext(context.Background())

	group.Go(func() error {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		var signalCh = make(chan os.Signal, 1)
		signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal; stopping")
		case <-ctx.Done():
		}

		mgr.Shutdown()
		var timeout, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(timeout)
	})

	mbp.Must(group.Wait(), "daemon task failed")
	mbp.Must(wal.Close(), "closing the write-ahead log")
	log.Info("goodbye")

	return nil
}

// newStatusMux routes the observability and control surface:
// foreign-transaction rows, resolver slots and controls, and the
// synchronous-replication snapshot.
func newStatusMux(ctl *coordinator.Control, mgr *resolver.Manager, engine *syncrep.Engine) http.Handler {
	var mux = http.NewServeMux()

	var respond = func(w http.ResponseWriter, body interface{}) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
	var dbidOf = func(r *http.Request) (coordinator.DBID, error) {
		var dbid, err = strconv.ParseUint(r.FormValue("dbid"), 10, 32)
		return coordinator.DBID(dbid), err
	}

	mux.HandleFunc("/fedxact", func(w http.ResponseWriter, r *http.Request) {
		respond(w, ctl.ForeignXacts())
	})
	mux.HandleFunc("/resolvers", func(w http.ResponseWriter, r *http.Request) {
		respond(w, mgr.Stats())
	})
	mux.HandleFunc("/resolvers/launch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var dbid, err = dbidOf(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mgr.LaunchOrWakeup(dbid)
		respond(w, map[string]bool{"requested": true})
	})
	mux.HandleFunc("/resolvers/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var dbid, err = dbidOf(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respond(w, map[string]bool{"stopped": mgr.Stop(dbid)})
	})
	mux.HandleFunc("/syncrep", func(w http.ResponseWriter, r *http.Request) {
		respond(w, engine.Status())
	})

	return mux
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as fedxact daemon", `
Serve a fedxact daemon with the provided configuration, until signaled to
exit (via SIGTERM). On startup the daemon recovers prepared foreign
transactions from its state directory and write-ahead log, and launches
resolvers for any database having transactions to resolve.
`, &serveDaemon{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
