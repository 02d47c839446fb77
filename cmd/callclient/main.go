// Command callclient drives one call session against the signaling server:
// it places, answers or rejects a call, or waits for incoming calls.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/webrtc-calling/config"
	"github.com/mossy-p/webrtc-calling/internal/call"
	"github.com/mossy-p/webrtc-calling/internal/logger"
	"github.com/mossy-p/webrtc-calling/internal/media"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/mossy-p/webrtc-calling/internal/peer"
	"github.com/mossy-p/webrtc-calling/internal/signaling"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	server := flag.String("server", cfg.ServerURL, "signaling server base URL")
	user := flag.String("user", "", "user name to log in as")
	password := flag.String("password", "demo", "password")
	callee := flag.String("call", "", "user to call")
	video := flag.Bool("video", false, "place a video call")
	answer := flag.String("answer", "", "call id to answer")
	reject := flag.String("reject", "", "call id to reject")
	listen := flag.Bool("listen", false, "wait for incoming calls and answer them")
	flag.Parse()

	if *user == "" {
		log.Fatal("-user is required")
	}

	sugar, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer sugar.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar, options{
		server:   *server,
		user:     *user,
		password: *password,
		callee:   *callee,
		video:    *video,
		answer:   *answer,
		reject:   *reject,
		listen:   *listen,
	}); err != nil {
		sugar.Errorw("Call client failed", "error", err)
		os.Exit(1)
	}
}

type options struct {
	server, user, password string
	callee                 string
	video                  bool
	answer, reject         string
	listen                 bool
}

func run(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger, opts options) error {
	login, err := signaling.Login(ctx, opts.server, opts.user, opts.password)
	if err != nil {
		return err
	}

	transport, err := signaling.DialRemote(ctx, opts.server, login.Token, login.UserID, sugar.Named("signaling"))
	if err != nil {
		return err
	}
	defer transport.Close()

	acquirer, err := media.NewDefaultAcquirer(sugar.Named("media"))
	if err != nil {
		return err
	}

	peerCfg := peer.DefaultConfig()
	if len(cfg.Call.ICEServers) > 0 {
		peerCfg.ICEServers = cfg.Call.ICEServers
	}

	ended := make(chan struct{}, 1)
	session, err := call.NewSession(call.Config{
		UserID:          login.UserID,
		Transport:       transport,
		Media:           acquirer,
		Peer:            peerCfg,
		Logger:          sugar.Named("call"),
		QualityInterval: cfg.Call.QualityInterval,
		RingTimeout:     cfg.Call.RingTimeout,
		RequestTimeout:  cfg.Call.RequestTimeout,
		Callbacks: call.Callbacks{
			OnCallStateChange: func(s call.State) {
				sugar.Infow("Call state", "state", s)
				if s == call.StateIdle {
					select {
					case ended <- struct{}{}:
					default:
					}
				}
			},
			OnRemoteStream: func(r *media.RemoteStream) {
				sugar.Infow("Remote stream", "id", r.ID, "tracks", len(r.Tracks()))
			},
			OnCallQualityUpdate: func(s peer.Stats) {
				sugar.Infow("Call quality", "quality", s.Quality, "rtt", s.RoundTripTime, "loss", s.LossRate)
			},
			OnCallEvent: func(name string, data map[string]any) {
				sugar.Infow("Call event", "event", name, "data", data)
			},
			OnAudioRouteChange: func(m models.AudioMode) {
				sugar.Infow("Audio route", "mode", m)
			},
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	switch {
	case opts.callee != "":
		callType := models.CallTypeVoice
		if opts.video {
			callType = models.CallTypeVideo
		}
		record, err := session.InitiateCall(ctx, opts.callee, callType)
		if err != nil {
			return err
		}
		sugar.Infow("Calling", "call", record.ID, "callee", opts.callee)
	case opts.answer != "":
		if err := session.AnswerCall(ctx, opts.answer); err != nil {
			return err
		}
	case opts.reject != "":
		return session.RejectCall(ctx, opts.reject)
	case opts.listen:
		return listenForCalls(ctx, transport, session, sugar)
	default:
		flag.Usage()
		return nil
	}

	return waitForEnd(ctx, session, transport, ended, sugar)
}

// listenForCalls answers every incoming call while the session is free.
func listenForCalls(ctx context.Context, transport signaling.Transport, session *call.Session, sugar *zap.SugaredLogger) error {
	incoming := make(chan *models.CallRecord, 8)
	watch, err := transport.WatchIncoming(ctx, func(r *models.CallRecord) {
		select {
		case incoming <- r:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer watch.Close()

	sugar.Infow("Waiting for calls")
	for {
		select {
		case <-ctx.Done():
			return endIfActive(session)
		case r := <-incoming:
			sugar.Infow("Incoming call", "call", r.ID, "caller", r.CallerID, "type", r.CallType)
			if err := session.Ring(ctx, r.ID); err != nil {
				sugar.Warnw("Cannot take call", "call", r.ID, "error", err)
				continue
			}
			if err := session.AnswerCall(ctx, r.ID); err != nil {
				sugar.Warnw("Failed to answer call", "call", r.ID, "error", err)
			}
		}
	}
}

func waitForEnd(ctx context.Context, session *call.Session, transport *signaling.RemoteTransport, ended <-chan struct{}, sugar *zap.SugaredLogger) error {
	select {
	case <-ctx.Done():
		sugar.Infow("Hanging up")
		return endIfActive(session)
	case <-ended:
		return nil
	case <-transport.Done():
		session.Cleanup()
		return signaling.ErrTransportFailure
	}
}

func endIfActive(session *call.Session) error {
	if session.State() == call.StateIdle {
		return nil
	}
	// The signal context is already cancelled.
	return session.EndCall(context.Background())
}
