package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Valkey key pattern:
//
//	magic:{hash} → JSON {email, userId} (STRING with TTL = link lifetime)

// MagicLink is the parsed form of a signed sign-in link: serverUrl|randomHash|timestamp|hmac.
type MagicLink struct {
	ServerURL string
	Hash      string
	Timestamp int64
	Signature string
}

// Encode renders the pipe-delimited wire form.
func (l MagicLink) Encode() string {
	return l.ServerURL + "|" + l.Hash + "|" + strconv.FormatInt(l.Timestamp, 10) + "|" + l.Signature
}

// ParseMagicLink splits the wire form. The server URL itself contains no pipes, so a plain 4-way split suffices.
func ParseMagicLink(raw string) (MagicLink, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 4 {
		return MagicLink{}, ErrMagicLinkInvalid
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return MagicLink{}, ErrMagicLinkInvalid
	}
	return MagicLink{ServerURL: parts[0], Hash: parts[1], Timestamp: ts, Signature: parts[3]}, nil
}

type magicPayload struct {
	Email  string `json:"email"`
	UserID string `json:"userId"`
}

// MagicLinkStore mints and redeems HMAC-signed sign-in links for authenticated users, typically to move a session to
// another device by QR code. Redemption is one-shot.
type MagicLinkStore struct {
	rdb       *redis.Client
	secret    []byte
	serverURL string
	ttl       time.Duration
}

// NewMagicLinkStore creates the store.
func NewMagicLinkStore(rdb *redis.Client, secret []byte, serverURL string, ttl time.Duration) *MagicLinkStore {
	return &MagicLinkStore{rdb: rdb, secret: secret, serverURL: strings.TrimSuffix(serverURL, "/"), ttl: ttl}
}

// TTL returns the configured link lifetime.
func (s *MagicLinkStore) TTL() time.Duration {
	return s.ttl
}

// Generate mints a link bound to the user. The random hash is the lookup key; the signature covers everything before
// it so the link cannot be re-pointed at another server.
func (s *MagicLinkStore) Generate(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate magic hash: %w", err)
	}
	hash := hex.EncodeToString(buf)

	payload, err := json.Marshal(magicPayload{Email: email, UserID: userID.String()})
	if err != nil {
		return "", fmt.Errorf("encode magic payload: %w", err)
	}
	if err := s.rdb.Set(ctx, "magic:"+hash, payload, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store magic link: %w", err)
	}

	link := MagicLink{ServerURL: s.serverURL, Hash: hash, Timestamp: time.Now().UnixMilli()}
	link.Signature = HMACIdentifier(link.ServerURL+"|"+link.Hash+"|"+strconv.FormatInt(link.Timestamp, 10), s.secret)
	return link.Encode(), nil
}

// Redeem validates the signature and consumes the link, returning the bound identity. Any malformed, forged, expired,
// or already-used link yields ErrMagicLinkInvalid; callers learn nothing about which check failed.
func (s *MagicLinkStore) Redeem(ctx context.Context, raw string) (userID uuid.UUID, email string, err error) {
	link, err := ParseMagicLink(raw)
	if err != nil {
		return uuid.Nil, "", err
	}

	expected := HMACIdentifier(link.ServerURL+"|"+link.Hash+"|"+strconv.FormatInt(link.Timestamp, 10), s.secret)
	if !hmacEqualHex(expected, link.Signature) {
		return uuid.Nil, "", ErrMagicLinkInvalid
	}

	data, err := s.rdb.GetDel(ctx, "magic:"+link.Hash).Result()
	if err == redis.Nil {
		return uuid.Nil, "", ErrMagicLinkInvalid
	}
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("load magic link: %w", err)
	}

	var payload magicPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return uuid.Nil, "", fmt.Errorf("decode magic payload: %w", err)
	}
	id, err := uuid.Parse(payload.UserID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("parse magic user id: %w", err)
	}
	return id, payload.Email, nil
}
