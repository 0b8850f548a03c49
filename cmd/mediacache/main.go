package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"mediacache/internal/api"
	"mediacache/internal/category"
	"mediacache/internal/cli"
	"mediacache/internal/config"
	"mediacache/internal/coordinator"
	"mediacache/internal/core/logger"
	"mediacache/internal/core/progress"
	"mediacache/internal/core/types"
	"mediacache/internal/download"

	"github.com/alecthomas/kong"
)

type Globals struct {
	Config string      `short:"c" help:"Path to the config file, searched in the usual places when empty" type:"path"`
	Debug  bool        `short:"d" help:"Enable debug logging"`
	Root   string      `help:"Override the cache root directory"`
	Budget types.Bytes `help:"Override the total disk budget (e.g. 2GiB)"`
}

// load resolves the config file and applies the flag overrides.
func (g *Globals) load() (*types.Config, *logger.Logger, error) {
	cfg, err := config.LoadConfig(config.ResolveConfigPath(g.Config))
	if err != nil {
		return nil, nil, err
	}
	if g.Root != "" {
		cfg.Cache.Root = g.Root
	}
	if g.Budget > 0 {
		cfg.Cache.TotalBudget = g.Budget
	}
	if g.Debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		logger.SetDefaultLevel(logger.LevelDebug)
	}
	return cfg, logger.NewLogger(logger.WithName("mediacache")), nil
}

func lookupCategory(name string) (category.Category, error) {
	c, ok := category.Default().LookupName(name)
	if !ok {
		var names []string
		for _, c := range category.Default().Categories() {
			names = append(names, c.Name)
		}
		return category.Category{}, fmt.Errorf("unknown category %q, want one of %s", name, strings.Join(names, ", "))
	}
	return c, nil
}

type FetchCmd struct {
	URLs     []string `arg:"" help:"URLs to download"`
	Category string   `short:"C" default:"media" help:"Cache category"`
	Chunks   int      `short:"n" default:"1" help:"Number of parallel range requests per file"`
	Size     int64    `help:"Expected size in bytes, checked for trusted sources"`
	MD5      string   `help:"Expected hex MD5, checked for trusted sources"`
	Stop     bool     `help:"On interrupt keep partial files instead of discarding them"`
}

func (c *FetchCmd) Run(g *Globals) error {
	cat, err := lookupCategory(c.Category)
	if err != nil {
		return err
	}
	cfg, log, err := g.load()
	if err != nil {
		return err
	}

	sigCtx, cancel := types.DefaultSignalNotifySubContext()
	defer cancel()

	coord, err := coordinator.NewFromConfig(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer coord.Close()

	bars := progress.NewProgress(progress.WithOutput(os.Stdout), progress.WithPopCompletedMode())
	extra := download.ExtraInfo{Size: c.Size, MD5: c.MD5}

	var (
		handles   []*download.Handle
		listeners []*cli.BarListener
	)
	for i, url := range c.URLs {
		l := cli.NewBarListener(bars, fmt.Sprintf("%d", i), url)
		h, err := coord.Enqueue(url, cat, c.Chunks, l, coordinator.WithExtraInfo(extra))
		if err != nil && h == nil {
			// rejected before subscribing, no events will follow
			l.OnFail(err)
			l.OnEnd()
		}
		handles = append(handles, h)
		listeners = append(listeners, l)
	}

	go func() {
		<-sigCtx.Done()
		for _, h := range handles {
			if h == nil {
				continue
			}
			if c.Stop {
				coord.Stop(h)
			} else {
				coord.Cancel(h)
			}
		}
	}()

	results := make([]cli.Result, 0, len(listeners))
	for _, l := range listeners {
		<-l.Done()
		results = append(results, l.Result())
	}
	bars.Wait()

	if failed := cli.PrintResults(os.Stdout, results); failed > 0 {
		return fmt.Errorf("%d of %d downloads did not succeed", failed, len(results))
	}
	return nil
}

type LookupCmd struct {
	URL      string `arg:"" help:"URL to look up"`
	Category string `short:"C" default:"media" help:"Cache category"`
}

func (c *LookupCmd) Run(g *Globals) error {
	cat, err := lookupCategory(c.Category)
	if err != nil {
		return err
	}
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	coord, err := coordinator.NewFromConfig(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer coord.Close()

	file, ok := coord.GetCachedFile(cat, c.URL)
	if !ok {
		return fmt.Errorf("%s is not cached", c.URL)
	}
	fmt.Println(file)
	return nil
}

type StatsCmd struct{}

func (c *StatsCmd) Run(g *Globals) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	coord, err := coordinator.NewFromConfig(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer coord.Close()

	return cli.PrintStats(os.Stdout, coord.Stats())
}

type ClearCmd struct {
	Category string `arg:"" optional:"" help:"Category to clear, all when empty"`
}

func (c *ClearCmd) Run(g *Globals) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	coord, err := coordinator.NewFromConfig(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer coord.Close()

	if c.Category == "" {
		if err := coord.Manager().ClearAll(); err != nil {
			return err
		}
		fmt.Println("✓ cache cleared")
		return nil
	}

	cat, err := lookupCategory(c.Category)
	if err != nil {
		return err
	}
	if err := coord.ClearCache(cat); err != nil {
		return err
	}
	fmt.Printf("✓ %s cleared\n", cat.Name)
	return nil
}

type ServeCmd struct {
	Listen string `short:"l" help:"Override the listen address of the control API"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Server.Listen = c.Listen
	}

	ctx, cancel := types.DefaultSignalNotifySubContext()
	defer cancel()

	coord, err := coordinator.NewFromConfig(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer coord.Close()

	srv := api.NewServer(
		api.WithListen(cfg.Server.Listen),
		api.WithLogger(log.Named("api")),
	)
	if err := srv.Register(api.NewCacheHandlers(coord)); err != nil {
		return err
	}
	return srv.Run(ctx)
}

type InitConfigCmd struct {
	Path  string `arg:"" default:"config.yaml" help:"Where to write the default config"`
	Force bool   `short:"f" help:"Overwrite an existing file"`
}

func (c *InitConfigCmd) Run(g *Globals) error {
	if _, err := os.Stat(c.Path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists, use --force to overwrite", c.Path)
	}
	cfg := types.DefaultConfig()
	if err := config.SaveYAML(c.Path, &cfg); err != nil {
		return err
	}
	fmt.Printf("✓ wrote %s\n", c.Path)
	return nil
}

type CLI struct {
	Globals

	Fetch  FetchCmd      `cmd:"" help:"Download URLs into the cache"`
	Lookup LookupCmd     `cmd:"" help:"Print the cached file of a URL"`
	Stats  StatsCmd      `cmd:"" help:"Show cache usage per category"`
	Clear  ClearCmd      `cmd:"" help:"Delete cached files"`
	Serve  ServeCmd      `cmd:"" help:"Run the downloader behind a local HTTP API"`
	Init   InitConfigCmd `cmd:"" help:"Write a default config file"`
}

func main() {
	var cliRoot CLI
	kctx := kong.Parse(
		&cliRoot,
		kong.Vars{
			"version": "0.1.0",
		},
		kong.Name("mediacache"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Description("mediacache - disk backed media cache and chunked downloader"),
	)
	kctx.FatalIfErrorf(kctx.Run(&cliRoot.Globals))
}
