package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ConsultSync/internal/config"
	"ConsultSync/internal/consult"
	"ConsultSync/internal/credential"
	"ConsultSync/internal/logger"
	"ConsultSync/internal/metrics"
	"ConsultSync/internal/model"
	"ConsultSync/internal/recorder"
)

// 命令行参数
var (
	configPath = flag.String("config", "", "配置文件路径，默认搜索configs/client.yaml")
	envFile    = flag.String("env", ".env", "dotenv文件")
	bookingID  = flag.String("booking", "", "预约ID")
	sessionID  = flag.String("session", "", "会话ID，默认随机生成")
	kind       = flag.String("kind", "chat", "咨询类型: chat|voice|video")
	token      = flag.String("token", "", "访问令牌，覆盖server.token")
	userID     = flag.String("user", "", "非JWT令牌时使用的用户ID")
	record     = flag.Bool("record", false, "录制本次会话")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
	}

	cm := config.GetGlobalConfigManager(config.WithConfigPath(*configPath))
	cfg, err := cm.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	cm.OnChange(func(old, new *config.Config) {
		if lvl, err := zerolog.ParseLevel(new.Log.Level); err == nil && old.Log.Level != new.Log.Level {
			zerolog.SetGlobalLevel(lvl)
			log.Info().Str("level", new.Log.Level).Msg("log level changed")
		}
	})

	if *bookingID == "" {
		log.Fatal().Msg("--booking is required")
	}
	if *sessionID == "" {
		*sessionID = uuid.NewString()
	}
	if *token == "" {
		*token = cfg.Server.Token
	}

	if cfg.Server.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Server.MetricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	opts := cfg.Options()
	opts.Credentials = credentialStore(*token, *userID)

	console := newConsole()
	opts.Observer = console

	var rec *recorder.Recorder
	if *record || cfg.Recording.Enabled {
		rec = recorder.New(*sessionID, clockwork.NewRealClock())
		opts.FrameTap = rec.RecordFrame
		opts.Observer = rec.Observer(console)
	}

	client, err := consult.New(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("create client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Network.HandshakeTimeout*2)
	err = client.ConnectWithRefresh(connectCtx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("connect")
	}

	session := model.NewSession(*sessionID, *bookingID, model.Kind(*kind), 0)
	joinCtx, cancel := context.WithTimeout(ctx, cfg.Session.JoinTimeout+time.Second)
	err = client.Join(joinCtx, *session)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("join")
	}
	fmt.Println("joined booking", *bookingID, "- type a message, or /help")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-console.ended:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := runCommand(ctx, client, strings.TrimSpace(line)); quit {
				break loop
			}
		}
	}

	client.Close()
	if rec != nil {
		rec.Stop()
		for _, r := range recorder.Evaluate(rec.Recording(), recorder.DefaultChecks()...) {
			ev := log.Info()
			if !r.Passed {
				ev = log.Warn()
			}
			ev.Str("check", r.Name).Bool("passed", r.Passed).Msg(r.Message)
		}
		path := filepath.Join(cfg.Recording.Dir, fmt.Sprintf("%s_%s.json", *bookingID, *sessionID))
		if err := os.MkdirAll(cfg.Recording.Dir, 0o755); err == nil {
			if err := rec.WriteFile(path); err != nil {
				log.Error().Err(err).Msg("write recording")
			} else {
				log.Info().Str("path", path).Msg("recording saved")
			}
		}
	}
}

// credentialStore 能解析为JWT时从声明中取用户ID，否则按静态令牌处理
func credentialStore(token, user string) credential.Store {
	if store, err := credential.NewJWTStore(token, nil); err == nil {
		return store
	}
	return credential.NewStaticStore(token, user)
}

func runCommand(ctx context.Context, client *consult.Client, line string) bool {
	if line == "" {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "/help":
		fmt.Println("/end [reason]  /resend <id>  /typing  /call  /fg  /bg  /status  /quit")
	case "/quit":
		return true
	case "/end":
		err = client.EndSession(reqCtx, arg)
	case "/resend":
		_, err = client.Resend(reqCtx, arg)
	case "/typing":
		client.SetTyping(true)
	case "/call":
		err = client.StartCall(reqCtx)
	case "/fg":
		client.Foreground()
	case "/bg":
		client.Background()
	case "/status":
		var snap consult.Snapshot
		if snap, err = client.Snapshot(reqCtx); err == nil {
			printStatus(snap)
		}
	default:
		_, err = client.Send(reqCtx, line)
	}
	if err != nil {
		fmt.Println("!", err)
	}
	return false
}

func printStatus(snap consult.Snapshot) {
	fmt.Printf("connection=%s joined=%v messages=%d call=%s\n",
		snap.Connection.Phase, snap.Joined, len(snap.Messages), snap.Call)
	if snap.Session != nil {
		fmt.Printf("session=%s status=%s counterpart=%s online=%v recovering=%v\n",
			snap.Session.SessionID, snap.Session.Status, snap.Session.CounterpartID,
			snap.CounterpartOnline, snap.Recovering)
	}
	fmt.Printf("timer elapsed=%ds remaining=%d\n", snap.Timer.ElapsedSeconds, snap.Timer.RemainingSeconds())
}
