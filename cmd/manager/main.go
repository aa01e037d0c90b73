// Command manager runs one site's transaction manager: it loads the
// site's configuration, opens its protocol log and resource manager
// connection, recovers any transactions left in flight by a previous
// crash, and then serves client and peer connections until SHUTDOWN.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/txcoord/txmanager/pkg/config"
	"github.com/txcoord/txmanager/pkg/daemon"
	"github.com/txcoord/txmanager/pkg/protocollog"
	"github.com/txcoord/txmanager/pkg/rm"
	"github.com/txcoord/txmanager/pkg/sitedir"
)

type options struct {
	Positional struct {
		SiteAlias string `positional-arg-name:"site_alias" description:"this process's alias in site.json"`
	} `positional-args:"yes" required:"yes"`

	ConfigPath string `long:"config_path" default:"." description:"directory containing manager.json, postgres.json, and site.json"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		log.Fatalf("[manager] %v", err)
	}
}

func run(opts options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", opts.ConfigPath, err)
	}

	dir := sitedir.New(cfg.Sites)
	nodeID, err := dir.NodeID(opts.Positional.SiteAlias)
	if err != nil {
		return fmt.Errorf("resolving site alias %q: %w", opts.Positional.SiteAlias, err)
	}

	plog, err := protocollog.Open(cfg.Manager.LogPath)
	if err != nil {
		return fmt.Errorf("opening protocol log: %w", err)
	}
	defer plog.Close()

	database, err := rm.Open(cfg.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("opening resource manager connection: %w", err)
	}
	defer database.Close()

	d := daemon.New(nodeID, dir, plog, database, cfg.Manager.FailureTimeout())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Printf("[manager] site %q (node %d): recovering in-flight transactions", opts.Positional.SiteAlias, nodeID)
	if err := d.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	if err := d.Listen(cfg.Manager.Port); err != nil {
		return fmt.Errorf("listening on port %d: %w", cfg.Manager.Port, err)
	}
	log.Printf("[manager] site %q (node %d): listening on %s", opts.Positional.SiteAlias, nodeID, d.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[manager] shutting down")
		d.Shutdown()
	}()

	d.Serve(ctx)
	d.Wait()
	return nil
}
