// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Auth - NIP-42 challenge handling and replay of operations held for it.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Signer signs events on behalf of the user. Implementations may block,
// e.g. on a remote signer.
type Signer interface {
	PublicKey(ctx context.Context) (string, error)
	Sign(ctx context.Context, evt *nostr.Event) error
}

// KeySigner signs with a private key held in memory.
type KeySigner struct {
	sk string
	pk string
}

// NewKeySigner accepts a hex private key or an nsec.
func NewKeySigner(key string) (*KeySigner, error) {
	sk := strings.TrimSpace(key)
	if strings.HasPrefix(sk, "nsec1") {
		prefix, value, err := nip19.Decode(sk)
		if err != nil {
			return nil, fmt.Errorf("decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return nil, fmt.Errorf("unexpected key prefix %q", prefix)
		}
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected nsec payload %T", value)
		}
		sk = s
	}
	if !nostr.IsValid32ByteHex(sk) {
		return nil, fmt.Errorf("invalid private key")
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &KeySigner{sk: sk, pk: pk}, nil
}

func (s *KeySigner) PublicKey(context.Context) (string, error) { return s.pk, nil }

func (s *KeySigner) Sign(_ context.Context, evt *nostr.Event) error {
	return evt.Sign(s.sk)
}
