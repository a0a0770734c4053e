package credentials

import (
	"fmt"
	"sort"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/crypto"
)

// PlaintextField is a sensitive value stored without the sealed marker.
type PlaintextField struct {
	Platform chat.Platform
	Key      string
}

// PlaintextFields lists sensitive values stored in plaintext, ordered by
// platform and key.
func (s *Store) PlaintextFields() []PlaintextField {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, _ := s.doc[platformsKey].(map[string]any)
	var out []PlaintextField
	for name, raw := range root {
		sec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range sec {
			str, ok := v.(string)
			if !ok || str == "" || !Sensitive(k) || crypto.IsSealed(str) {
				continue
			}
			out = append(out, PlaintextField{Platform: chat.Platform(name), Key: k})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// SealPlaintext rewrites every plaintext sensitive value in sealed form and
// returns the fields it sealed. It fails when the store has no sealing key.
func (s *Store) SealPlaintext() ([]PlaintextField, error) {
	if _, nop := s.sealer.(crypto.NopSealer); nop {
		return nil, fmt.Errorf("seal credentials: no sealing key configured")
	}
	fields := s.PlaintextFields()
	var sealed []PlaintextField
	for i := 0; i < len(fields); {
		p := fields[i].Platform
		updates := make(map[string]any)
		j := i
		for ; j < len(fields) && fields[j].Platform == p; j++ {
			plain, _ := s.Field(p, fields[j].Key)
			updates[fields[j].Key] = plain
		}
		if err := s.Merge(p, updates); err != nil {
			return sealed, fmt.Errorf("seal %s: %w", p, err)
		}
		sealed = append(sealed, fields[i:j]...)
		i = j
	}
	return sealed, nil
}
