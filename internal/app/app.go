// Package app wires the realtime services together: storage, bus transport,
// notification routing, presence, calls and chat sessions. Everything is
// constructed explicitly here so tests can build isolated instances.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/interacthub/livecomm/internal/call"
	"github.com/interacthub/livecomm/internal/channel"
	"github.com/interacthub/livecomm/internal/chat"
	"github.com/interacthub/livecomm/internal/config"
	"github.com/interacthub/livecomm/internal/directory"
	"github.com/interacthub/livecomm/internal/notify"
	"github.com/interacthub/livecomm/internal/presence"
	"github.com/interacthub/livecomm/internal/storage"
	"github.com/interacthub/livecomm/internal/transport"
	"github.com/interacthub/livecomm/internal/util"
)

// App owns every long-lived service for one identity.
type App struct {
	cfg  config.Config
	self string

	DB          *storage.DB
	Bus         *transport.Conn
	Directory   *directory.Client
	Broadcaster *notify.Broadcaster
	Router      *notify.Router
	Presence    *presence.Tracker
	Typist      *presence.Typist
	Calls       *call.Manager

	mu       sync.Mutex
	sessions map[string]*chat.Session
	started  bool

	stopHeartbeat func()
}

// New builds the service graph. Nothing touches the network until Start.
func New(peerDir string, cfg config.Config) (*App, error) {
	self := channel.Normalize(cfg.Identity.Email)
	name := cfg.Identity.DisplayName
	if name == "" {
		name = self
	}

	db, err := storage.Open(util.ResolvePath(peerDir, cfg.Paths.DataDir))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := transport.New(transport.Options{
		URL:         cfg.Bus.URL,
		BaseDelay:   time.Duration(cfg.Bus.BaseDelaySec) * time.Second,
		MaxAttempts: cfg.Bus.MaxAttempts,
	})

	dir := directory.NewClient(cfg.Services.DirectoryURL, cfg.Services.CallURL, cfg.Services.HistoryURL, db)
	dir.PresenceURL = cfg.Services.PresenceURL

	bc := notify.NewBroadcaster()
	router := notify.NewRouter(bus, bc, db, self, cfg.Identity.Role)
	tracker := presence.NewTracker(bus, self)
	typist := presence.NewTypist(bus, self, name)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.Media.ICEServers))
	for _, u := range cfg.Media.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}
	calls := call.New(bus, self, name, call.Config{
		ICEServers:  iceServers,
		RingTimeout: time.Duration(cfg.Media.RingTimeoutSec) * time.Second,
	})

	return &App{
		cfg:         cfg,
		self:        self,
		DB:          db,
		Bus:         bus,
		Directory:   dir,
		Broadcaster: bc,
		Router:      router,
		Presence:    tracker,
		Typist:      typist,
		Calls:       calls,
		sessions:    make(map[string]*chat.Session),
	}, nil
}

// Start connects to the bus, starts notification routing and begins the
// presence heartbeat. Idempotent.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	if err := a.Bus.Connect(ctx, a.self); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	a.Router.Start()

	interval := time.Duration(a.cfg.Bus.HeartbeatSec) * time.Second
	name := a.cfg.Identity.DisplayName
	a.stopHeartbeat = presence.StartHeartbeat(ctx, interval, func(ctx context.Context) error {
		return a.Directory.Heartbeat(ctx, a.self, name)
	})

	log.Printf("APP: started as %s", a.self)
	return nil
}

// OpenChat returns the session for channelID, opening it on first use.
func (a *App) OpenChat(ctx context.Context, channelID string) (*chat.Session, error) {
	a.mu.Lock()
	if s, ok := a.sessions[channelID]; ok {
		a.mu.Unlock()
		return s, nil
	}
	a.mu.Unlock()

	s, err := chat.Open(ctx, a.Bus, a.Directory, a.Typist, channelID, a.self)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if existing, ok := a.sessions[channelID]; ok {
		a.mu.Unlock()
		s.Close()
		return existing, nil
	}
	a.sessions[channelID] = s
	a.mu.Unlock()
	return s, nil
}

// OpenDirectChat opens the canonical direct conversation with peer.
func (a *App) OpenDirectChat(ctx context.Context, peer string) (*chat.Session, error) {
	return a.OpenChat(ctx, channel.Direct(a.self, peer))
}

// CloseChat closes and forgets the session for channelID.
func (a *App) CloseChat(channelID string) {
	a.mu.Lock()
	s, ok := a.sessions[channelID]
	delete(a.sessions, channelID)
	a.mu.Unlock()
	if ok {
		s.Close()
	}
}

// StartCall begins an outbound call on channelID and records it with the
// call service. Call termination is reported when the session ends.
func (a *App) StartCall(ctx context.Context, channelID string) (*call.Session, error) {
	sess, err := a.Calls.StartCall(channelID)
	if err != nil {
		return nil, err
	}
	if err := a.Directory.StartCall(ctx, channelID, a.self); err != nil {
		log.Printf("APP: record call start on %s: %v", channelID, err)
	}
	sess.OnEnded(func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Directory.EndCall(ctx, channelID, a.self); err != nil {
			log.Printf("APP: record call end on %s: %v", channelID, err)
		}
	})
	return sess, nil
}

// OnNotification registers a consumer for routed notification events. The
// returned func unregisters it.
func (a *App) OnNotification(consumerID string, fn func(notify.Event)) func() {
	return a.Broadcaster.Register(consumerID, fn)
}

// RecentEvents returns the notification events routed during this run,
// newest last.
func (a *App) RecentEvents() []notify.Event {
	return a.Broadcaster.Recent()
}

// Notifications returns the persisted notification log, newest first.
func (a *App) Notifications() ([]storage.Notification, error) {
	return a.DB.Notifications()
}

// MarkNotificationRead marks one persisted notification as read.
func (a *App) MarkNotificationRead(id string) error {
	return a.DB.MarkNotificationRead(id)
}

// ResolveName resolves an identity to its display name via the directory,
// served from the local cache when possible.
func (a *App) ResolveName(ctx context.Context, identity string) string {
	return a.Directory.DisplayName(ctx, identity)
}

// Stop tears everything down in reverse construction order.
func (a *App) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	sessions := a.sessions
	a.sessions = make(map[string]*chat.Session)
	a.mu.Unlock()

	if a.stopHeartbeat != nil {
		a.stopHeartbeat()
	}
	a.Typist.Stop()
	for _, s := range sessions {
		s.Close()
	}
	a.Calls.Close()
	a.Router.Stop()
	a.Presence.Close()
	a.Bus.Close()
	if err := a.DB.Close(); err != nil {
		log.Printf("APP: close storage: %v", err)
	}
	log.Printf("APP: stopped")
}

// Run builds an App from cfg and blocks until ctx is cancelled.
func Run(ctx context.Context, peerDir string, cfg config.Config) error {
	a, err := New(peerDir, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		a.DB.Close()
		return err
	}
	<-ctx.Done()
	a.Stop()
	return nil
}
