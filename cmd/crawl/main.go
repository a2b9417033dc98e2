// Command crawl runs a crawlcore batch from a YAML config file and prints
// the resulting HAR-adjacent report as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"crawlcore"
	"crawlcore/internal/config"
)

func main() {
	app := cli.NewApp()
	app.Name = "crawl"
	app.Usage = "run a polite, config-driven crawl batch"
	app.UsageText = "crawl [global options] --config <path>"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to a YAML config file",
		},
		cli.StringSliceFlag{
			Name:  "url",
			Usage: "seed URL (repeatable); overrides config's crawl.seeds",
		},
		cli.BoolFlag{
			Name:  "indent",
			Usage: "pretty-print the JSON report",
		},
	}
	app.Action = runCrawl

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "crawl:", err)
		os.Exit(1)
	}
}

func runCrawl(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if urls := c.StringSlice("url"); len(urls) > 0 {
		cfg.Crawl.Seeds = nil
		for _, u := range urls {
			cfg.Crawl.Seeds = append(cfg.Crawl.Seeds, config.SeedConfig{URL: u})
		}
	}
	if len(cfg.Crawl.Seeds) == 0 {
		return fmt.Errorf("no seed URLs configured; pass --url or set crawl.seeds")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	crawler, err := crawlcore.New(*cfg, nil)
	if err != nil {
		return fmt.Errorf("build crawler: %w", err)
	}

	batch, err := crawler.Engine.Crawl(context.Background(), crawlcore.Seeds(cfg.Crawl), crawler.Options)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	if c.Bool("indent") {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(batch.Built)
}

// loadConfig reads --config if given, unvalidated: --url may still need to
// supply the seed list, so final validation happens once in runCrawl.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()

	cfg, err := config.LoadFromReaderUnvalidated(fh)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
