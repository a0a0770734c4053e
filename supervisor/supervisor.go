// Package supervisor owns the connector sessions of the process. It starts a
// reader per enabled platform and a sender per bot credential, keeps at most
// one reader per platform, feeds token rotations into running sessions and
// exposes the control operations used by the UI and the control endpoints.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/oauth"
)

var (
	// ErrUnknownPlatform is returned for platforms without an adapter.
	ErrUnknownPlatform = errors.New("no adapter for platform")
	// ErrNotConnected is returned when an operation needs a session or
	// credential the platform does not have.
	ErrNotConnected = errors.New("platform not connected")
)

// SendRouter is the part of the send router the supervisor drives.
type SendRouter interface {
	Register(p chat.Platform, id chat.Identity, s connector.Sender)
	Unregister(p chat.Platform, id chat.Identity)
	Send(ctx context.Context, p chat.Platform, text string, allowFallback bool) error
}

// Options configures a Supervisor.
type Options struct {
	Store    *credentials.Store
	Tokens   *oauth.Manager
	Router   SendRouter
	Sink     connector.Sink
	Env      Env
	Adapters []Adapter
	// Grace bounds how long Shutdown and restarts wait for sessions (default 5s).
	Grace time.Duration
	// ForwardBotChat lets bot sessions deliver the chat they read even while
	// the platform has a reader.
	ForwardBotChat bool
}

type key struct {
	platform  chat.Platform
	role      chat.Role
	identity  chat.Identity
	companion string
}

func (k key) String() string {
	s := string(k.platform) + "/" + string(k.role) + "/" + string(k.identity)
	if k.companion != "" {
		s += "/" + k.companion
	}
	return s
}

type senderKey struct {
	platform chat.Platform
	identity chat.Identity
}

// Supervisor is the session registry.
type Supervisor struct {
	store    *credentials.Store
	tokens   *oauth.Manager
	router   SendRouter
	sink     connector.Sink
	env      Env
	adapters map[chat.Platform]Adapter
	grace    time.Duration
	forward  bool
	log      *slog.Logger

	mu         sync.Mutex
	ctx        context.Context
	started    bool
	sessions   map[key]*connector.Session
	senders    map[senderKey]connector.Sender
	moderators map[chat.Platform]connector.Moderator
}

// New builds a Supervisor and registers each adapter's refresher with the
// token manager.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		store:      opts.Store,
		tokens:     opts.Tokens,
		router:     opts.Router,
		sink:       opts.Sink,
		env:        opts.Env,
		adapters:   make(map[chat.Platform]Adapter),
		grace:      opts.Grace,
		forward:    opts.ForwardBotChat,
		log:        slog.With(slog.String("component", "supervisor")),
		ctx:        context.Background(),
		sessions:   make(map[key]*connector.Session),
		senders:    make(map[senderKey]connector.Sender),
		moderators: make(map[chat.Platform]connector.Moderator),
	}
	if s.grace <= 0 {
		s.grace = 5 * time.Second
	}
	s.env.Store = opts.Store
	for _, a := range opts.Adapters {
		s.adapters[a.Platform()] = a
		if s.tokens == nil {
			continue
		}
		if r := a.Refresher(s.env.HTTPClient); r != nil {
			s.tokens.Register(a.Platform(), r)
		}
	}
	if s.tokens != nil {
		s.tokens.OnRotate(s.rotate)
		s.tokens.OnInvalid(s.invalid)
	}
	return s
}

// Echoing maps each adapter's platform to whether its reader returns the
// process's own sends.
func Echoing(adapters []Adapter) map[chat.Platform]bool {
	out := make(map[chat.Platform]bool, len(adapters))
	for _, a := range adapters {
		out[a.Platform()] = a.Echoes()
	}
	return out
}

// Start launches sessions for every enabled platform that has credentials.
// Failures are logged per platform and returned joined; other platforms
// still start.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.started = true
	s.mu.Unlock()

	var errs []error
	for _, p := range chat.AllPlatforms() {
		if _, ok := s.adapters[p]; !ok {
			continue
		}
		if err := s.startPlatform(p); err != nil {
			s.log.Warn("platform not started", slog.String("platform", string(p)), slog.Any("err", err))
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	s.log.Info("supervisor started", slog.Int("sessions", len(s.Sessions())))
	return errors.Join(errs...)
}

// Started reports whether Start has run.
func (s *Supervisor) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Supervisor) startPlatform(p chat.Platform) error {
	if s.store.Disabled(p) {
		s.log.Info("platform disabled", slog.String("platform", string(p)))
		return nil
	}
	var errs []error
	if cred, ok := s.store.Get(p, chat.Streamer); ok && cred.HasToken() {
		if err := s.startReader(p); err != nil {
			errs = append(errs, err)
		}
	}
	if cred, ok := s.store.Get(p, chat.Bot); ok && cred.HasToken() {
		if err := s.startBot(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) adapter(p chat.Platform) (Adapter, error) {
	a, ok := s.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownPlatform, p)
	}
	return a, nil
}

// envFor binds Env.Refresh to platform p.
func (s *Supervisor) envFor(p chat.Platform) Env {
	env := s.env
	env.Refresh = func(ctx context.Context, id chat.Identity) (string, error) {
		if s.tokens == nil || !s.tokens.Supports(p) {
			return "", connector.AuthInvalid("refresh not supported", nil)
		}
		tok, err := s.tokens.Refresh(ctx, p, id)
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}
	return env
}

func (s *Supervisor) reauth(p chat.Platform, id chat.Identity) func(context.Context) error {
	if s.tokens == nil || !s.tokens.Supports(p) {
		return nil
	}
	return s.tokens.Reauth(p, id)
}

// channel is the streamer's channel name: the streamer username, or the
// bot's when only a bot is configured.
func (s *Supervisor) channel(p chat.Platform) string {
	if c, ok := s.store.Get(p, chat.Streamer); ok && c.Username != "" {
		return c.Username
	}
	if c, ok := s.store.Get(p, chat.Bot); ok {
		return c.Username
	}
	return ""
}

func (s *Supervisor) needsReauth(p chat.Platform, role chat.Role, cred credentials.Credential) bool {
	if !cred.NeedsReauth {
		return false
	}
	s.publish(chat.Status{
		Platform: p,
		Role:     role,
		Identity: cred.Identity,
		State:    connector.Stopped.String(),
		Username: cred.Username,
		Kind:     connector.KindAuthInvalid.String(),
		Reason:   "needs re-authentication",
		At:       time.Now(),
	})
	return true
}

// live reports whether k has a session that has not stopped. mu must be held.
func (s *Supervisor) live(k key) bool {
	sess, ok := s.sessions[k]
	return ok && sess.State() != connector.Stopped
}

// startReader builds the reader, its companions, the streamer sender and
// the moderator. A running reader is left alone.
func (s *Supervisor) startReader(p chat.Platform) error {
	a, err := s.adapter(p)
	if err != nil {
		return err
	}
	cred, ok := s.store.Get(p, chat.Streamer)
	if !ok || !cred.HasToken() {
		return fmt.Errorf("%w: no streamer credential", ErrNotConnected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rk := key{platform: p, role: chat.Reader, identity: chat.Streamer}
	if s.live(rk) {
		s.log.Debug("reader already running", slog.String("platform", string(p)))
		return nil
	}
	if s.needsReauth(p, chat.Reader, cred) {
		return nil
	}

	env := s.envFor(p)
	channel := s.channel(p)
	d, err := a.Reader(env, channel, cred)
	if err != nil {
		return fmt.Errorf("build reader: %w", err)
	}
	s.open(rk, d, connector.Config{
		Platform: p,
		Role:     chat.Reader,
		Identity: chat.Streamer,
		Channel:  channel,
		Username: cred.Username,
		Policy:   a.Policy(),
		Reauth:   s.reauth(p, chat.Streamer),
	})

	if ca, ok := a.(CompanionAdapter); ok {
		comps, err := ca.Companions(env, channel, cred)
		if err != nil {
			s.log.Warn("companions unavailable", slog.String("platform", string(p)), slog.Any("err", err))
		}
		for _, c := range comps {
			s.open(key{platform: p, role: chat.Reader, identity: chat.Streamer, companion: c.Name}, c.Driver, connector.Config{
				Platform: p,
				Role:     chat.Reader,
				Identity: chat.Streamer,
				Channel:  channel,
				Username: cred.Username,
				Policy:   c.Policy,
				Reauth:   s.reauth(p, chat.Streamer),
			})
		}
	}

	// A reader that can send doubles as the streamer's sender.
	if snd, ok := d.(connector.Sender); ok {
		s.registerSender(p, chat.Streamer, snd)
	} else if snd, err := a.Sender(env, channel, cred); err == nil {
		s.registerSender(p, chat.Streamer, snd)
	} else {
		s.log.Warn("streamer sender unavailable", slog.String("platform", string(p)), slog.Any("err", err))
	}

	if mod, err := a.Moderator(env, channel, cred); err == nil {
		s.moderators[p] = mod
	} else {
		s.log.Warn("moderator unavailable", slog.String("platform", string(p)), slog.Any("err", err))
	}
	return nil
}

// startBot builds the bot sender, running it in a session when it is a driver.
func (s *Supervisor) startBot(p chat.Platform) error {
	a, err := s.adapter(p)
	if err != nil {
		return err
	}
	cred, ok := s.store.Get(p, chat.Bot)
	if !ok || !cred.HasToken() {
		return fmt.Errorf("%w: no bot credential", ErrNotConnected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bk := key{platform: p, role: chat.Sender, identity: chat.Bot}
	if s.live(bk) {
		return nil
	}
	if s.needsReauth(p, chat.Sender, cred) {
		return nil
	}

	env := s.envFor(p)
	channel := s.channel(p)
	snd, err := a.Sender(env, channel, cred)
	if err != nil {
		return fmt.Errorf("build bot sender: %w", err)
	}
	if d, ok := snd.(connector.Driver); ok {
		s.open(bk, d, connector.Config{
			Platform: p,
			Role:     chat.Sender,
			Identity: chat.Bot,
			Channel:  channel,
			Username: cred.Username,
			Policy:   a.Policy(),
			Reauth:   s.reauth(p, chat.Bot),
			Forward:  s.forward || !s.live(key{platform: p, role: chat.Reader, identity: chat.Streamer}),
		})
	}
	s.registerSender(p, chat.Bot, snd)
	return nil
}

// open starts a session under k. mu must be held.
func (s *Supervisor) open(k key, d connector.Driver, cfg connector.Config) {
	sess := connector.NewSession(cfg, d, s.sink)
	s.sessions[k] = sess
	sess.Open(s.ctx)
	s.log.Info("session opened", slog.String("session", k.String()))
}

// registerSender must be called with mu held.
func (s *Supervisor) registerSender(p chat.Platform, id chat.Identity, snd connector.Sender) {
	s.senders[senderKey{p, id}] = snd
	if s.router != nil {
		s.router.Register(p, id, snd)
	}
}

// stop closes the sessions matching keep and waits up to the grace period.
func (s *Supervisor) stop(ctx context.Context, match func(key) bool) {
	s.mu.Lock()
	var closing []*connector.Session
	for k, sess := range s.sessions {
		if match(k) {
			closing = append(closing, sess)
			delete(s.sessions, k)
			s.log.Info("session closing", slog.String("session", k.String()))
		}
	}
	s.mu.Unlock()
	_ = closeAll(ctx, closing, s.grace)
}

func closeAll(ctx context.Context, sessions []*connector.Session, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			sess.Close()
			if err := sess.Wait(gctx); err != nil {
				return fmt.Errorf("%s/%s did not stop: %w", sess.Config().Platform, sess.Config().Role, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) dropStreamer(p chat.Platform) {
	s.mu.Lock()
	delete(s.senders, senderKey{p, chat.Streamer})
	delete(s.moderators, p)
	s.mu.Unlock()
	if s.router != nil {
		s.router.Unregister(p, chat.Streamer)
	}
}

func (s *Supervisor) dropBot(p chat.Platform) {
	s.mu.Lock()
	delete(s.senders, senderKey{p, chat.Bot})
	s.mu.Unlock()
	if s.router != nil {
		s.router.Unregister(p, chat.Bot)
	}
}

func (s *Supervisor) stopReader(ctx context.Context, p chat.Platform) {
	s.stop(ctx, func(k key) bool { return k.platform == p && k.role == chat.Reader })
	s.dropStreamer(p)
}

func (s *Supervisor) stopBot(ctx context.Context, p chat.Platform) {
	s.stop(ctx, func(k key) bool { return k.platform == p && k.identity == chat.Bot })
	s.dropBot(p)
}

// ConnectPlatform stores the streamer credential and (re)starts the reader.
// Repeating a call with the same credential keeps the running reader.
func (s *Supervisor) ConnectPlatform(ctx context.Context, p chat.Platform, username, token string) error {
	if _, err := s.adapter(p); err != nil {
		return err
	}
	username = strings.TrimSpace(username)
	if token == "" {
		return errors.New("connect: token required")
	}
	cur, _ := s.store.Get(p, chat.Streamer)
	changed := cur.AccessToken != token || cur.Username != username || cur.NeedsReauth
	if changed {
		err := s.store.Merge(p, map[string]any{
			credentials.Key(chat.Streamer, credentials.FieldUsername):      username,
			credentials.Key(chat.Streamer, credentials.FieldAccessToken):   token,
			credentials.Key(chat.Streamer, credentials.FieldNeedsReauth):   false,
			credentials.Key(chat.Streamer, credentials.FieldTokenIssuedAt): time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("store streamer credential: %w", err)
		}
		s.stopReader(ctx, p)
	}
	if s.store.Disabled(p) {
		return fmt.Errorf("%s is disabled", p)
	}
	return s.startReader(p)
}

// DisconnectPlatform stops every session of p. Credentials are kept.
func (s *Supervisor) DisconnectPlatform(ctx context.Context, p chat.Platform) error {
	if _, err := s.adapter(p); err != nil {
		return err
	}
	s.stop(ctx, func(k key) bool { return k.platform == p })
	s.dropStreamer(p)
	s.dropBot(p)
	return nil
}

// ConnectBot stores the bot credential and (re)starts the bot sender.
// refreshToken may be empty.
func (s *Supervisor) ConnectBot(ctx context.Context, p chat.Platform, username, token, refreshToken string) error {
	if _, err := s.adapter(p); err != nil {
		return err
	}
	if token == "" {
		return errors.New("connect bot: token required")
	}
	updates := map[string]any{
		credentials.Key(chat.Bot, credentials.FieldUsername):      strings.TrimSpace(username),
		credentials.Key(chat.Bot, credentials.FieldAccessToken):   token,
		credentials.Key(chat.Bot, credentials.FieldNeedsReauth):   false,
		credentials.Key(chat.Bot, credentials.FieldTokenIssuedAt): time.Now().UTC(),
	}
	if refreshToken != "" {
		updates[credentials.Key(chat.Bot, credentials.FieldRefreshToken)] = refreshToken
	}
	if err := s.store.Merge(p, updates); err != nil {
		return fmt.Errorf("store bot credential: %w", err)
	}
	s.stopBot(ctx, p)
	if s.store.Disabled(p) {
		return fmt.Errorf("%s is disabled", p)
	}
	return s.startBot(p)
}

// SendAsBot sends text through the router, falling back to the streamer
// when allowed.
func (s *Supervisor) SendAsBot(ctx context.Context, p chat.Platform, text string, allowFallback bool) error {
	if _, err := s.adapter(p); err != nil {
		return err
	}
	if s.router == nil {
		return connector.SendFailed(string(chat.Bot), ErrNotConnected)
	}
	return s.router.Send(ctx, p, text, allowFallback)
}

func (s *Supervisor) moderator(p chat.Platform) (connector.Moderator, error) {
	if _, err := s.adapter(p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.moderators[p]
	if !ok {
		return nil, fmt.Errorf("%w: no moderator for %s", ErrNotConnected, p)
	}
	return m, nil
}

// DeleteMessage removes a message upstream with the streamer's credential.
func (s *Supervisor) DeleteMessage(ctx context.Context, p chat.Platform, messageID string) error {
	if messageID == "" {
		return errors.New("delete: message id required")
	}
	m, err := s.moderator(p)
	if err != nil {
		return err
	}
	return m.Delete(ctx, messageID)
}

// BanUser bans a user upstream. userID may be empty where the platform can
// resolve the username.
func (s *Supervisor) BanUser(ctx context.Context, p chat.Platform, username, userID string) error {
	if username == "" && userID == "" {
		return errors.New("ban: username or user id required")
	}
	m, err := s.moderator(p)
	if err != nil {
		return err
	}
	return m.Ban(ctx, username, userID)
}

// DisablePlatform persists the flag. Disabling stops the platform's
// sessions; enabling starts them again from the stored credentials.
func (s *Supervisor) DisablePlatform(ctx context.Context, p chat.Platform, disabled bool) error {
	if _, err := s.adapter(p); err != nil {
		return err
	}
	if err := s.store.SetField(p, credentials.FieldDisabled, disabled); err != nil {
		return fmt.Errorf("store disabled flag: %w", err)
	}
	if disabled {
		return s.DisconnectPlatform(ctx, p)
	}
	return s.startPlatform(p)
}

// rotate pushes a refreshed token into the sessions, senders and moderator
// that hold the credential.
func (s *Supervisor) rotate(r oauth.Rotation) {
	s.mu.Lock()
	var sessions []*connector.Session
	for k, sess := range s.sessions {
		if k.platform == r.Platform && k.identity == r.Identity {
			sessions = append(sessions, sess)
		}
	}
	var receivers []connector.TokenReceiver
	if snd, ok := s.senders[senderKey{r.Platform, r.Identity}]; ok {
		if tr, ok := snd.(connector.TokenReceiver); ok {
			receivers = append(receivers, tr)
		}
	}
	if r.Identity == chat.Streamer {
		if tr, ok := s.moderators[r.Platform].(connector.TokenReceiver); ok {
			receivers = append(receivers, tr)
		}
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.RotateToken(r.AccessToken)
	}
	for _, tr := range receivers {
		tr.SetToken(r.AccessToken)
	}
	s.log.Debug("token rotated", slog.String("platform", string(r.Platform)), slog.String("identity", string(r.Identity)), slog.Int("sessions", len(sessions)))
}

// invalid surfaces a revoked credential as a status event.
func (s *Supervisor) invalid(p chat.Platform, id chat.Identity, err error) {
	role := chat.Reader
	if id == chat.Bot {
		role = chat.Sender
	}
	state := connector.Stopped
	s.mu.Lock()
	if sess, ok := s.sessions[key{platform: p, role: role, identity: id}]; ok {
		state = sess.State()
	}
	s.mu.Unlock()
	st := chat.Status{
		Platform: p,
		Role:     role,
		Identity: id,
		State:    state.String(),
		Kind:     connector.KindAuthInvalid.String(),
		Reason:   "needs re-authentication",
		At:       time.Now(),
	}
	if err != nil {
		st.Reason = err.Error()
	}
	s.publish(st)
}

func (s *Supervisor) publish(st chat.Status) {
	if s.sink != nil {
		s.sink.Status(st)
	}
}

// Sessions snapshots every session, ordered by platform, role and identity.
func (s *Supervisor) Sessions() []connector.Info {
	s.mu.Lock()
	keys := make([]key, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	out := make([]connector.Info, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.sessions[k].Info())
	}
	s.mu.Unlock()
	return out
}

// Shutdown closes every session and waits up to the grace period.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*connector.Session, 0, len(s.sessions))
	for k, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, k)
	}
	s.mu.Unlock()
	s.log.Info("shutting down sessions", slog.Int("count", len(sessions)))
	err := closeAll(ctx, sessions, s.grace)
	if err != nil {
		s.log.Warn("sessions did not stop in time", slog.Any("err", err))
	}
	return err
}
