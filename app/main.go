package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sourabhkatti/applicator/app/mailsync"
	"github.com/sourabhkatti/applicator/app/migrate"
	"github.com/sourabhkatti/applicator/app/store"
	"github.com/sourabhkatti/applicator/app/tasks"
	"github.com/sourabhkatti/applicator/app/web"
)

var opts struct {
	Store struct {
		File        string        `long:"file" env:"FILE" default:"jobs.json" description:"tracker store file"`
		SyncState   string        `long:"sync-state" env:"SYNC_STATE" default:"sync_state.json" description:"processed-threads state file"`
		Backup      string        `long:"backup" env:"BACKUP" description:"migration backup path (default <file>.pre-migration)"`
		LockTimeout time.Duration `long:"lock-timeout" env:"LOCK_TIMEOUT" default:"10s" description:"advisory lock timeout"`
	} `group:"store" namespace:"store" env-namespace:"APPLICATOR_STORE"`

	Mail struct {
		API    string        `long:"api" env:"API" default:"https://api.agentmail.to/v0" description:"mail API base URL"`
		Inbox  string        `long:"inbox" env:"INBOX" default:"applicator@agentmail.to" description:"inbox identifier"`
		APIKey string        `long:"apikey" env:"APIKEY" description:"mail API key"`
		Window time.Duration `long:"window" env:"WINDOW" default:"1h" description:"fetch window for recent threads"`
	} `group:"mail" namespace:"mail" env-namespace:"APPLICATOR_MAIL"`

	Sync struct {
		Once     bool          `long:"once" env:"ONCE" description:"run a single reconciliation pass and exit"`
		Interval time.Duration `long:"interval" env:"INTERVAL" default:"1m" description:"continuous reconciliation interval"`
		Schedule string        `long:"schedule" env:"SCHEDULE" description:"cron schedule for reconciliation passes, overrides interval"`
		Notify   []string      `long:"notify" env:"NOTIFY" env-delim:"," description:"notification destinations for pass summaries"`
	} `group:"sync" namespace:"sync" env-namespace:"APPLICATOR_SYNC"`

	Wait struct {
		Company  string        `long:"company" env:"COMPANY" description:"wait for a confirmation email from this company and exit"`
		Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"2m" description:"max time to wait for the confirmation"`
		Interval time.Duration `long:"interval" env:"INTERVAL" default:"10s" description:"poll interval while waiting"`
	} `group:"wait" namespace:"wait" env-namespace:"APPLICATOR_WAIT"`

	Verify struct {
		Enabled bool          `long:"enabled" env:"ENABLED" description:"run the strict pending-verification cleanup and exit"`
		MinAge  time.Duration `long:"min-age" env:"MIN_AGE" default:"10m" description:"minimum record age before an unconfirmed record is removed"`
	} `group:"verify" namespace:"verify" env-namespace:"APPLICATOR_VERIFY"`

	Web struct {
		Enabled  bool   `long:"enabled" env:"ENABLED" description:"enable operator api"`
		Address  string `long:"address" env:"ADDRESS" default:"localhost:8080" description:"operator api listen address"`
		AuthHash string `long:"auth-hash" env:"AUTH_HASH" description:"bcrypt hash for basic auth, empty disables"`
	} `group:"web" namespace:"web" env-namespace:"APPLICATOR_WEB"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"log to file instead of stdout"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size, megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max log file backups"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max log file age, days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"APPLICATOR_LOG"`

	Config  string `long:"config" env:"APPLICATOR_CONFIG" default:"applicant.yaml" description:"applicant profile file"`
	Migrate bool   `long:"migrate" description:"run the schema migration and exit"`
	Dbg     bool   `long:"dbg" env:"APPLICATOR_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("applicator %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// run dispatches to the selected mode. The one-shot modes (migrate, wait,
// verify, single pass) exit after the operation; otherwise the process stays
// up with continuous reconciliation and optionally the operator api.
func run(ctx context.Context) error {
	dataStore := store.New(opts.Store.File, opts.Store.LockTimeout)

	if opts.Migrate {
		migrator := migrate.New(dataStore, opts.Store.Backup)
		count, err := migrator.Run(ctx)
		if errors.Is(err, migrate.ErrValidationFailed) {
			return fmt.Errorf("%w; store left as transformed, restore manually with: cp %s %s",
				err, migrator.BackupPath, opts.Store.File)
		}
		if err != nil {
			return err
		}
		log.Printf("[INFO] migrated %d records, backup at %s", count, migrator.BackupPath)
		return nil
	}

	client := mailsync.NewClient(opts.Mail.API, opts.Mail.Inbox, opts.Mail.APIKey)
	engine := mailsync.NewEngine(dataStore, client, opts.Store.SyncState, opts.Mail.Window)
	engine.NotifyDestinations = opts.Sync.Notify

	if opts.Wait.Company != "" {
		thread, found := engine.WaitForConfirmation(ctx, opts.Wait.Company, opts.Wait.Timeout, opts.Wait.Interval)
		if !found {
			return fmt.Errorf("no confirmation email from %s within %v", opts.Wait.Company, opts.Wait.Timeout)
		}
		log.Printf("[INFO] confirmation from %s: %q", opts.Wait.Company, thread.Subject)
		return nil
	}

	if opts.Verify.Enabled {
		summary, err := engine.VerifyPending(ctx, opts.Verify.MinAge)
		if err != nil {
			return err
		}
		log.Printf("[INFO] verification: %d checked, %d verified, %d removed, %d kept for next scan",
			summary.Checked, summary.Verified, summary.Removed, summary.Skipped)
		return nil
	}

	if opts.Sync.Once {
		summary, err := engine.RunPass(ctx)
		if err != nil {
			return err
		}
		log.Printf("[INFO] pass done: %d added, %d updated", summary.Added, summary.Updated)
		return nil
	}

	if opts.Web.Enabled {
		srv := &web.Server{
			Store:        dataStore,
			Tasks:        tasks.New(dataStore),
			Sync:         engine,
			ConfigPath:   opts.Config,
			Address:      opts.Web.Address,
			Version:      revision,
			PasswordHash: opts.Web.AuthHash,
		}
		go func() {
			if err := engine.RunContinuous(ctx, opts.Sync.Interval, opts.Sync.Schedule); err != nil {
				log.Printf("[ERROR] continuous reconciliation terminated: %v", err)
			}
		}()
		return srv.Run(ctx)
	}

	return engine.RunContinuous(ctx, opts.Sync.Interval, opts.Sync.Schedule)
}

// setupLogs configures lgr and returns the log destination writer, a rotating
// file logger when a filename is configured.
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	log.Setup(log.Msec)
	if opts.Dbg {
		log.Setup(log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}

	if opts.Log.Filename != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
		log.Setup(log.Out(fileLogger), log.Err(fileLogger))
		return fileLogger
	}
	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
