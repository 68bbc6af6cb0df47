package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"ConsultSync/internal/config"
	"ConsultSync/internal/logger"
	"ConsultSync/internal/metrics"
	"ConsultSync/internal/testserver"
)

// 命令行参数
var (
	configPath = flag.String("config", "", "配置文件路径，默认搜索configs/client.yaml")
	envFile    = flag.String("env", ".env", "dotenv文件")
	addr       = flag.String("addr", "", "监听地址，覆盖server.mock.addr")
	budget     = flag.Int("budget", -1, "新房间预算秒数，覆盖server.mock.default_budget")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	stream := logger.NewStream()
	go stream.Run()
	defer stream.Close()

	if err := logger.InitLogger(cfg.Log.Level, cfg.Log.Format, stream); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	sc := cfg.MockServer()
	if *addr != "" {
		sc.Addr = *addr
	}
	if *budget >= 0 {
		sc.DefaultBudget = *budget
	}

	server := testserver.New(sc)
	server.Router().HandleFunc("/logs", stream.HandleWebSocket)
	server.Router().Handle("/metrics", metrics.Handler())

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("start mock server")
	}
	log.Info().
		Str("ws", "ws://"+server.Addr()+"/ws").
		Str("logs", "ws://"+server.Addr()+"/logs").
		Bool("auto_start", sc.AutoStart).
		Dur("timer_interval", sc.TimerInterval).
		Msg("mock consultation server ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
