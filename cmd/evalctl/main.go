package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cloudeval/internal/cli/command"
	"cloudeval/internal/cli/config"
	httpclient "cloudeval/internal/cli/http"
	"cloudeval/internal/cli/repl"
	"cloudeval/internal/cli/state"
	"cloudeval/internal/common/cache"
	"cloudeval/internal/common/mq"
	"cloudeval/internal/evaluation/repository"

	"github.com/chzyer/readline"
)

const defaultConfigPath = "configs/evalctl.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override status API base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	user := flag.String("user", "", "Override the user recorded on published commands")
	statePath := flag.String("state", "", "Override session state path")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *statePath != "" {
		cfg.StatePath = *statePath
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	session, err := state.Load(cfg.StatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load session state failed: %v\n", err)
		return
	}
	if *user != "" {
		session.User = *user
	}

	opts := repl.Options{
		CommandTopic: cfg.CommandTopic,
		Commands:     command.Registry(),
		Session:      &session,
		StatePath:    cfg.StatePath,
		PrettyJSON:   cfg.PrettyJSON != nil && *cfg.PrettyJSON,
		Out:          os.Stdout,
	}

	client := httpclient.New(cfg.BaseURL, cfg.Timeout, func() string {
		return session.User
	})
	opts.API = client

	if len(cfg.Brokers) > 0 {
		producer, err := mq.NewKafkaQueue(mq.KafkaConfig{Brokers: cfg.Brokers, ClientID: "evalctl"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "init kafka failed: %v\n", err)
			return
		}
		defer func() {
			_ = producer.Close()
		}()
		opts.Publisher = producer
	}

	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&cache.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "init redis failed: %v\n", err)
			return
		}
		defer func() {
			_ = redisCache.Close()
		}()
		opts.Cache = repository.NewJobStatusCache(redisCache, 0)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "evalctl> ",
		HistoryFile:     cfg.HistoryFile,
		AutoComplete:    repl.Completer(opts.Commands),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init readline failed: %v\n", err)
		return
	}
	defer func() {
		_ = rl.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	repl.New(opts).Run(ctx, rl)
}
