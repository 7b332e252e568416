package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/httpstore"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/signaling/wsclient"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `commands:
  call <user> [chat] [audio|video]
  answer | reject | end
  mute | video
  resume <chat>
  history [limit]
  status
  quit`

func main() {
	callTo := flag.String("call", "", "user to call on start")
	chat := flag.String("chat", "", "chat the call belongs to")
	video := flag.Bool("video", false, "place a video call")
	autoAnswer := flag.Bool("auto-answer", false, "answer incoming calls immediately")
	resume := flag.String("resume", "", "chat to check for a call placed while offline")
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	zerolog.SetGlobalLevel(config.LogLevel(cfg.Env, cfg.LogLevel))
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := pion.NewEngine(pion.Config{STUNURLs: cfg.STUNURLs})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init media engine")
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open call store")
	}
	records := service.NewCallRecorder(store)

	self := domain.UserID(cfg.UserID)
	var session *service.CallSession
	signals := wsclient.New(wsclient.Config{
		URL:           cfg.SignalURL,
		UserID:        self,
		DisplayName:   cfg.DisplayName,
		Token:         cfg.AuthToken,
		MaxReconnects: cfg.MaxReconnects,
	}, func(env domain.Envelope) {
		switch env.Type {
		case domain.TypePresenceOnline, domain.TypePresenceOffline:
			fmt.Printf("* %s is %s\n", env.UserID, strings.TrimPrefix(string(env.Type), "presence-"))
			return
		}
		session.HandleEnvelope(env)
	})
	session = service.NewCallSession(self, service.SessionConfig{
		DisplayName: cfg.DisplayName,
		RingTimeout: cfg.RingTimeout,
		CoolDown:    cfg.CoolDown,
	}, signals, engine, engine, records)
	go session.Run()

	last := service.PhaseIdle
	session.Watch(func(s service.Snapshot) {
		if s.Phase == last {
			return
		}
		last = s.Phase
		printSnapshot(s)
		if s.Phase == service.PhaseRinging && *autoAnswer {
			go func() {
				if err := session.AnswerCall(ctx); err != nil {
					fmt.Println("answer failed:", err)
				}
			}()
		}
	})
	session.OnNotice(func(err error) {
		fmt.Println("!", describe(err))
	})

	if err := signals.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to signaling server")
	}
	defer shutdown(session, signals)

	// Invites may have been missed while the connection was down.
	resumeChat := domain.ChatID(*resume)
	signals.OnReconnect(func() {
		if resumeChat == "" {
			return
		}
		if _, err := session.Resume(ctx, resumeChat); err != nil && !errors.Is(err, domain.ErrCallNotFound) {
			log.Warn().Err(err).Msg("Resume after reconnect failed")
		}
	})
	go func() {
		// Only Close ends the transport, so shutdown can still send end-call after a signal.
		if err := signals.Run(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("Signaling stopped")
			stop()
		}
	}()

	if resumeChat != "" {
		if _, err := session.Resume(ctx, resumeChat); err != nil {
			fmt.Println("no pending call:", err)
		}
	}
	if *callTo != "" {
		kind := domain.MediaAudio
		if *video {
			kind = domain.MediaVideo
		}
		if _, err := session.StartCall(ctx, domain.UserID(*callTo), chatFor(*chat, self, domain.UserID(*callTo)), kind); err != nil {
			fmt.Println("call failed:", describe(err))
		}
	}

	fmt.Println(usage)
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := command(ctx, session, records, self, line); quit {
				return
			}
		}
	}
}

// shutdown hangs up any live call while the signaling connection is still open.
func shutdown(session interface{ Stop() }, signals io.Closer) {
	session.Stop()
	if err := signals.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing signaling connection")
	}
}

func openStore(cfg config.Client) (port.CallStore, error) {
	if cfg.StoreURL == "" {
		log.Warn().Msg("STORE_URL not set, call history is local to this process")
		return memory.NewCallRepository(), nil
	}
	c, err := httpstore.New(cfg.StoreURL, cfg.AuthToken)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// chatFor defaults the chat of a direct call to a stable id for the pair.
func chatFor(chat string, a, b domain.UserID) domain.ChatID {
	if chat != "" {
		return domain.ChatID(chat)
	}
	if b < a {
		a, b = b, a
	}
	return domain.ChatID("direct:" + a.String() + ":" + b.String())
}

func command(ctx context.Context, s *service.CallSession, records *service.CallRecorder, self domain.UserID, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	var err error
	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			fmt.Println(usage)
			return false
		}
		to := domain.UserID(fields[1])
		chat, kind := "", domain.MediaAudio
		if len(fields) > 2 {
			chat = fields[2]
		}
		if len(fields) > 3 {
			kind = domain.MediaKind(fields[3])
		}
		_, err = s.StartCall(ctx, to, chatFor(chat, self, to), kind)
	case "answer":
		err = s.AnswerCall(ctx)
	case "reject":
		err = s.RejectCall(ctx)
	case "end":
		err = s.EndCall(ctx)
	case "mute":
		var muted bool
		if muted, err = s.ToggleMute(ctx); err == nil {
			fmt.Println("muted:", muted)
		}
	case "video":
		var off bool
		if off, err = s.ToggleVideo(ctx); err == nil {
			fmt.Println("video off:", off)
		}
	case "resume":
		if len(fields) < 2 {
			fmt.Println(usage)
			return false
		}
		_, err = s.Resume(ctx, domain.ChatID(fields[1]))
	case "history":
		limit := 10
		if len(fields) > 1 {
			if n, convErr := strconv.Atoi(fields[1]); convErr == nil {
				limit = n
			}
		}
		err = printHistory(ctx, records, self, limit)
	case "status":
		var snap service.Snapshot
		if snap, err = s.Snapshot(ctx); err == nil {
			printSnapshot(snap)
		}
	case "quit", "exit":
		return true
	default:
		fmt.Println(usage)
	}
	if err != nil {
		fmt.Println("error:", describe(err))
	}
	return false
}

func printSnapshot(s service.Snapshot) {
	switch s.Phase {
	case service.PhaseIdle:
		fmt.Println("-- idle")
	case service.PhaseCalling:
		fmt.Printf("-- calling %s (%s)\n", s.Peer, s.Kind)
	case service.PhaseRinging:
		name := s.PeerName
		if name == "" {
			name = s.Peer.String()
		}
		fmt.Printf("-- incoming %s call from %s, type answer or reject\n", s.Kind, name)
	case service.PhaseConnected:
		fmt.Printf("-- connected with %s\n", s.Peer)
	default:
		fmt.Printf("-- %s after %s\n", s.Phase, time.Duration(s.Duration)*time.Second)
	}
}

func printHistory(ctx context.Context, records *service.CallRecorder, self domain.UserID, limit int) error {
	calls, err := records.History(ctx, self, limit)
	if err != nil {
		return err
	}
	for _, c := range calls {
		other, dir := c.ReceiverID, "out"
		if c.ReceiverID == self {
			other, dir = c.CallerID, "in"
		}
		fmt.Printf("%s  %-3s %-8s %-5s %s  %ds\n", c.CreatedAt.Local().Format(time.DateTime), dir, other, c.Kind, c.Status, c.DurationSeconds)
	}
	return nil
}

func describe(err error) string {
	var media *domain.MediaAcquisitionError
	switch {
	case errors.As(err, &media):
		return fmt.Sprintf("could not open %s devices (%s)", media.Kind, media.Reason)
	case errors.Is(err, domain.ErrCallTimeout):
		return "no answer"
	case errors.Is(err, domain.ErrBusy):
		return "already in a call"
	default:
		return err.Error()
	}
}
