package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagepool/core/write_engine/flush_manager"
	"github.com/sushant-115/pagepool/core/write_engine/memcache"
	"github.com/sushant-115/pagepool/pkg/config"
	"github.com/sushant-115/pagepool/pkg/logger"
	"github.com/sushant-115/pagepool/pkg/telemetry"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("read"),
	readline.PcItem("write"),
	readline.PcItem("new"),
	readline.PcItem("release"),
	readline.PcItem("stats"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "pagepool: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	if tel.MetricsAddr != "" {
		log.Info("serving metrics", zap.String("addr", tel.MetricsAddr))
	}

	disk, err := flushmanager.NewDiskManager(cfg.Disk, cfg.Cache.PageSize, log, tel.Tracer)
	if err != nil {
		return err
	}
	defer disk.Close()

	cache, err := memcache.NewMemoryCache(cfg.Cache, log, tel.Meter)
	if err != nil {
		return err
	}
	defer cache.Close()

	s := newSession(cache, disk, os.Stdout)
	defer s.close()

	// one-shot mode: pagepool_cli -config x.yaml stats
	if len(args) > 0 {
		_, err := s.exec(args)
		return err
	}
	return shell(s, filepath.Join(cfg.Disk.Dir, ".pagepool_history"))
}

func shell(s *session, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagepool> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(s.out, "pagepool shell. Type 'help' for commands, 'exit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := s.exec(strings.Fields(line))
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}
