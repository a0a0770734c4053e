// Package credentials implements the credential document: a YAML file under
// the user's config directory holding per-platform OAuth material alongside
// unrelated application sections (ui, ngrok, chat, logging, debug).
//
// The Store is the sole writer of the file. Every write re-reads the file,
// merges the change into the freshly read document and replaces the file
// atomically with an fsync, so concurrent updates for different platforms do
// not clobber each other. Sensitive fields are sealed transparently through a
// crypto.Sealer and unsealed on read.
package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/crypto"
)

// Logical credential fields accepted by Set. They are mapped onto document
// keys according to the identity (see Key).
const (
	FieldAccessToken   = "access_token"
	FieldRefreshToken  = "refresh_token"
	FieldUsername      = "username"
	FieldUserID        = "user_id"
	FieldTokenIssuedAt = "token_issued_at"
	FieldNeedsReauth   = "needs_reauth"

	FieldClientID          = "client_id"
	FieldClientSecret      = "client_secret"
	FieldDisabled          = "disabled"
	FieldCookies           = "cookies"
	FieldChannelID         = "streamer_channel_id"
	FieldBroadcasterUserID = "broadcaster_user_id"
)

const platformsKey = "platforms"

var identityKeys = map[chat.Identity]map[string]string{
	chat.Streamer: {
		FieldAccessToken:   "streamer_token",
		FieldRefreshToken:  "streamer_refresh_token",
		FieldUsername:      "username",
		FieldUserID:        "streamer_user_id",
		FieldTokenIssuedAt: "streamer_token_issued_at",
		FieldNeedsReauth:   "streamer_needs_reauth",
	},
	chat.Bot: {
		FieldAccessToken:   "bot_token",
		FieldRefreshToken:  "bot_refresh_token",
		FieldUsername:      "bot_username",
		FieldUserID:        "bot_user_id",
		FieldTokenIssuedAt: "bot_token_issued_at",
		FieldNeedsReauth:   "bot_needs_reauth",
	},
}

// Key maps a logical field onto its document key for an identity. Fields that
// are not identity-specific map to themselves.
func Key(id chat.Identity, field string) string {
	if m, ok := identityKeys[id]; ok {
		if k, ok := m[field]; ok {
			return k
		}
	}
	return field
}

// Sensitive reports whether a document key is sealed at rest.
func Sensitive(key string) bool {
	switch key {
	case FieldClientSecret, FieldCookies, FieldAccessToken, FieldRefreshToken:
		return true
	}
	return strings.HasSuffix(key, "_token")
}

// Credential is a decrypted view of one identity's slot on a platform.
type Credential struct {
	Platform      chat.Platform
	Identity      chat.Identity
	AccessToken   string
	RefreshToken  string
	Username      string
	UserID        string
	ClientID      string
	ClientSecret  string
	TokenIssuedAt time.Time
	Disabled      bool
	NeedsReauth   bool
}

// HasToken reports whether an access token is present.
func (c Credential) HasToken() bool { return c.AccessToken != "" }

// Store guards the credential document.
type Store struct {
	path   string
	sealer crypto.Sealer

	mu  sync.Mutex
	doc map[string]any
}

// Open loads the document at path. A missing file yields an empty document;
// it is created on first write.
func Open(path string, sealer crypto.Sealer) (*Store, error) {
	if sealer == nil {
		sealer = crypto.NopSealer{}
	}
	s := &Store{path: path, sealer: sealer}
	doc, err := s.readFile()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) readFile() (map[string]any, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	doc := map[string]any{}
	if len(b) == 0 {
		return doc, nil
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", s.path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// writeFile replaces the document atomically: temp file, fsync, rename, dir fsync.
func (s *Store) writeFile(doc map[string]any) error {
	b, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace credentials: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			slog.Debug("config dir fsync failed", slog.Any("err", err))
		}
		_ = d.Close()
	}
	return nil
}

// Get returns the decrypted credential slot for an identity. ok is false when
// the platform has no section or the identity has neither a token nor a username.
func (s *Store) Get(p chat.Platform, id chat.Identity) (Credential, bool) {
	s.mu.Lock()
	sec := platformSection(s.doc, p)
	s.mu.Unlock()
	if sec == nil {
		return Credential{}, false
	}
	c := Credential{
		Platform:     p,
		Identity:     id,
		AccessToken:  s.unsealed(p, Key(id, FieldAccessToken), sec),
		RefreshToken: s.unsealed(p, Key(id, FieldRefreshToken), sec),
		Username:     asString(sec[Key(id, FieldUsername)]),
		UserID:       asString(sec[Key(id, FieldUserID)]),
		ClientID:     asString(sec[FieldClientID]),
		ClientSecret: s.unsealed(p, FieldClientSecret, sec),
		Disabled:     asBool(sec[FieldDisabled]),
		NeedsReauth:  asBool(sec[Key(id, FieldNeedsReauth)]),
	}
	if ts := asString(sec[Key(id, FieldTokenIssuedAt)]); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			c.TokenIssuedAt = t
		}
	}
	if c.AccessToken == "" && c.Username == "" {
		return c, false
	}
	return c, true
}

// Field returns one decrypted value from a platform section.
func (s *Store) Field(p chat.Platform, key string) (string, bool) {
	s.mu.Lock()
	sec := platformSection(s.doc, p)
	s.mu.Unlock()
	if sec == nil {
		return "", false
	}
	if _, ok := sec[key]; !ok {
		return "", false
	}
	return s.unsealed(p, key, sec), true
}

// Disabled reports the platform's disabled flag.
func (s *Store) Disabled(p chat.Platform) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return asBool(platformSection(s.doc, p)[FieldDisabled])
}

// Platforms lists the platforms that have a section, in stable order.
func (s *Store) Platforms() []chat.Platform {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, _ := s.doc[platformsKey].(map[string]any)
	out := make([]chat.Platform, 0, len(root))
	for name := range root {
		if p, err := chat.ParsePlatform(name); err == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Platform returns a copy of a platform section with sealed values opened.
func (s *Store) Platform(p chat.Platform) map[string]any {
	s.mu.Lock()
	sec := deepCopy(platformSection(s.doc, p))
	s.mu.Unlock()
	for k, v := range sec {
		if str, ok := v.(string); ok && crypto.IsSealed(str) {
			sec[k] = s.unsealed(p, k, sec)
		}
	}
	return sec
}

// Section returns a copy of a top-level section such as "chat" or "ngrok".
func (s *Store) Section(key string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _ := s.doc[key].(map[string]any)
	return deepCopy(m)
}

// Set merges a single identity-scoped field. Sensitive fields are sealed.
func (s *Store) Set(p chat.Platform, id chat.Identity, field string, value any) error {
	return s.Merge(p, map[string]any{Key(id, field): value})
}

// SetField merges a single raw document key.
func (s *Store) SetField(p chat.Platform, key string, value any) error {
	return s.Merge(p, map[string]any{key: value})
}

// Merge deep-merges a partial platform record into the document.
func (s *Store) Merge(p chat.Platform, updates map[string]any) error {
	if p == "" {
		return errors.New("merge: empty platform")
	}
	prepared, err := s.prepare(updates)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readFile()
	if err != nil {
		return err
	}
	root, _ := doc[platformsKey].(map[string]any)
	if root == nil {
		root = map[string]any{}
		doc[platformsKey] = root
	}
	sec, _ := root[string(p)].(map[string]any)
	if sec == nil {
		sec = map[string]any{}
		root[string(p)] = sec
	}
	deepMerge(sec, prepared)

	if err := s.writeFile(doc); err != nil {
		return err
	}
	s.doc = doc
	return nil
}

// prepare seals sensitive strings and renders times as RFC3339.
func (s *Store) prepare(updates map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(updates))
	for k, v := range updates {
		switch tv := v.(type) {
		case time.Time:
			out[k] = tv.UTC().Format(time.RFC3339)
		case string:
			if Sensitive(k) && tv != "" && !crypto.IsSealed(tv) {
				sealed, err := s.sealer.Seal(tv)
				if err != nil {
					return nil, fmt.Errorf("seal %s: %w", k, err)
				}
				out[k] = sealed
				continue
			}
			out[k] = tv
		case map[string]any:
			nested, err := s.prepare(tv)
			if err != nil {
				return nil, err
			}
			out[k] = nested
		default:
			out[k] = v
		}
	}
	return out, nil
}

func (s *Store) unsealed(p chat.Platform, key string, sec map[string]any) string {
	raw := asString(sec[key])
	if raw == "" || !crypto.IsSealed(raw) {
		return raw
	}
	v, err := s.sealer.Unseal(raw)
	if err != nil {
		slog.Warn("credential field could not be unsealed", slog.String("platform", string(p)), slog.String("field", key), slog.Any("err", err))
		return ""
	}
	return v
}

func platformSection(doc map[string]any, p chat.Platform) map[string]any {
	root, _ := doc[platformsKey].(map[string]any)
	if root == nil {
		return nil
	}
	sec, _ := root[string(p)].(map[string]any)
	return sec
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				deepMerge(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopy(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func asString(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case time.Time:
		return tv.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(tv)
	}
}

func asBool(v any) bool {
	switch tv := v.(type) {
	case bool:
		return tv
	case string:
		return strings.EqualFold(tv, "true") || tv == "1"
	case int:
		return tv != 0
	}
	return false
}
