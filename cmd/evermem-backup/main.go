// Command evermem-backup runs the database snapshot service, or one of
// its operator one-shots: a single backup, a restore, a health check,
// or a snapshot listing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evermem/evermem/internal/backup"
	"github.com/evermem/evermem/internal/config"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional, env vars by default)")
	dbPath     = flag.String("db", "", "Path to database file (overrides config)")
	backupDir  = flag.String("backup-dir", "", "Snapshot directory (overrides config)")
	interval   = flag.Duration("interval", 0, "Snapshot interval (overrides config)")
	verify     = flag.Bool("verify", true, "Verify snapshots after creation")
	oneshot    = flag.Bool("oneshot", false, "Take a single snapshot and exit")
	restore    = flag.String("restore", "", "Restore the database from a snapshot file and exit")
	healthCmd  = flag.Bool("health", false, "Report snapshot service health and exit")
	listCmd    = flag.Bool("list", false, "List snapshots and exit")
)

func main() {
	flag.Parse()
	log.SetPrefix("evermem-backup: ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	db := cfg.Storage.DBPath()
	if *dbPath != "" {
		db = *dbPath
	}
	dir := cfg.Backup.Path
	if *backupDir != "" {
		dir = *backupDir
	}
	every := cfg.Backup.Interval
	if *interval > 0 {
		every = *interval
	}

	service, err := backup.NewService(backup.Config{
		DBPath:   db,
		Dir:      dir,
		Interval: every,
		Verify:   *verify,
		Policy: backup.Policy{
			Hourly:  cfg.Backup.RetentionHourly,
			Daily:   cfg.Backup.RetentionDaily,
			Weekly:  cfg.Backup.RetentionWeekly,
			Monthly: cfg.Backup.RetentionMonthly,
		},
	})
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx := context.Background()
	switch {
	case *restore != "":
		handleRestore(ctx, service, *restore)
	case *healthCmd:
		handleHealth(service)
	case *listCmd:
		handleList(service)
	case *oneshot:
		handleOneshot(ctx, service)
	default:
		runService(ctx, service)
	}
}

func handleRestore(ctx context.Context, service *backup.Service, path string) {
	log.Printf("restoring database from %s", path)
	if err := service.RestoreNow(ctx, path); err != nil {
		log.Fatalf("restore failed: %v", err)
	}
	log.Printf("database restored")
}

func handleHealth(service *backup.Service) {
	health, err := service.HealthCheck()
	if err != nil {
		log.Fatalf("health check failed: %v", err)
	}

	fmt.Printf("Status: %s\n", health.Status)
	if health.Message != "" {
		fmt.Printf("Message: %s\n", health.Message)
	}
	fmt.Printf("Snapshots: %d\n", health.SnapshotCount)
	fmt.Printf("Disk Used: %.2f MB\n", float64(health.DiskBytes)/(1024*1024))
	fmt.Printf("Directory: %s\n", health.Dir)
	if !health.LastBackup.IsZero() {
		fmt.Printf("Last Snapshot: %s (%s ago)\n",
			health.LastBackup.Format(time.RFC3339),
			time.Since(health.LastBackup).Round(time.Minute))
	} else {
		fmt.Println("Last Snapshot: never")
	}

	if health.Status != "healthy" {
		os.Exit(1)
	}
}

func handleList(service *backup.Service) {
	snaps, err := service.List()
	if err != nil {
		log.Fatalf("list failed: %v", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots found")
		return
	}
	fmt.Printf("Found %d snapshot(s):\n\n", len(snaps))
	for i, s := range snaps {
		fmt.Printf("%d. %s\n", i+1, s.Path)
		fmt.Printf("   Size: %.2f MB\n", float64(s.SizeBytes)/(1024*1024))
		fmt.Printf("   Taken: %s (%s ago)\n\n",
			s.TakenAt.Format(time.RFC3339),
			time.Since(s.TakenAt).Round(time.Minute))
	}
}

func handleOneshot(ctx context.Context, service *backup.Service) {
	res, err := service.BackupNow(ctx)
	if err != nil {
		log.Fatalf("snapshot failed: %v", err)
	}
	log.Printf("snapshot %s (%.2f MB, %v, verified=%v)",
		res.Path, float64(res.SizeBytes)/(1024*1024),
		res.Duration.Round(time.Millisecond), res.Verified)
}

func runService(ctx context.Context, service *backup.Service) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- service.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Printf("shutdown signal received")
		service.Stop()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Fatalf("service error: %v", err)
		}
	}
}
