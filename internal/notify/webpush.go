package notify

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrSubscriptionGone = errors.New("push subscription expired")
	ErrBadKey           = errors.New("invalid push key")
)

const recordSize = 4096

// Subscription is a browser push subscription.
type Subscription struct {
	Endpoint string
	P256DH   string // base64url, uncompressed P-256 point
	Auth     string // base64url, 16 bytes
}

// WebPush delivers notifications through a Web Push service: the payload is
// encrypted with aes128gcm (RFC 8291) and the request carries a VAPID
// token (RFC 8292).
type WebPush struct {
	sub     Subscription
	vapid   *ecdsa.PrivateKey
	pub     string // base64url VAPID public key
	subject string
	ttl     time.Duration
	client  *http.Client
}

// NewWebPush parses the subscription keys and the VAPID private key
// (base64url raw P-256 scalar).
func NewWebPush(sub Subscription, vapidPrivate, subject string, ttl time.Duration) (*WebPush, error) {
	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Scheme != "https" {
		return nil, fmt.Errorf("push endpoint %q: must be https", sub.Endpoint)
	}
	if _, err := decodeKey(sub.P256DH, 65); err != nil {
		return nil, fmt.Errorf("p256dh: %w", err)
	}
	if _, err := decodeKey(sub.Auth, 16); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	d, err := decodeKey(vapidPrivate, 32)
	if err != nil {
		return nil, fmt.Errorf("vapid key: %w", err)
	}
	key, pub, err := vapidKey(d)
	if err != nil {
		return nil, err
	}
	return &WebPush{
		sub:     sub,
		vapid:   key,
		pub:     base64.RawURLEncoding.EncodeToString(pub),
		subject: subject,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Send encrypts n as JSON and posts it to the push service.
func (w *WebPush) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	body, err := encrypt(payload, w.sub, nil)
	if err != nil {
		return err
	}
	token, err := w.token(time.Now())
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(int(w.ttl/time.Second)))
	req.Header.Set("Urgency", "high")
	if n.Tag != "" {
		req.Header.Set("Topic", n.Tag)
	}
	req.Header.Set("Authorization", fmt.Sprintf("vapid t=%s, k=%s", token, w.pub))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service: %s", resp.Status)
	}
	return nil
}

// token is the VAPID JWT for the endpoint's origin.
func (w *WebPush) token(now time.Time) (string, error) {
	u, err := url.Parse(w.sub.Endpoint)
	if err != nil {
		return "", err
	}
	claims := jwt.MapClaims{
		"aud": u.Scheme + "://" + u.Host,
		"exp": now.Add(12 * time.Hour).Unix(),
		"sub": w.subject,
	}
	return jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(w.vapid)
}

// encrypt produces one aes128gcm record. A nil salt draws a random one.
func encrypt(plaintext []byte, sub Subscription, salt []byte) ([]byte, error) {
	uaPub, err := decodeKey(sub.P256DH, 65)
	if err != nil {
		return nil, err
	}
	authSecret, err := decodeKey(sub.Auth, 16)
	if err != nil {
		return nil, err
	}
	if len(plaintext)+17+86 > recordSize {
		return nil, fmt.Errorf("push payload of %d bytes is too large", len(plaintext))
	}

	curve := ecdh.P256()
	remote, err := curve.NewPublicKey(uaPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	local, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	secret, err := local.ECDH(remote)
	if err != nil {
		return nil, err
	}
	asPub := local.PublicKey().Bytes()

	if salt == nil {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
	}

	keyInfo := append(append([]byte("WebPush: info\x00"), uaPub...), asPub...)
	ikm, err := expand(secret, authSecret, keyInfo, 32)
	if err != nil {
		return nil, err
	}
	cek, err := expand(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), 16)
	if err != nil {
		return nil, err
	}
	nonce, err := expand(ikm, salt, []byte("Content-Encoding: nonce\x00"), 12)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, 16+4+1+len(asPub))
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, recordSize)
	header = append(header, byte(len(asPub)))
	header = append(header, asPub...)

	// Single, final record: content then the 0x02 delimiter.
	record := append(append([]byte(nil), plaintext...), 0x02)
	return gcm.Seal(header, nonce, record, nil), nil
}

func expand(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeKey(s string, size int) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrBadKey, len(b), size)
	}
	return b, nil
}

// vapidKey builds the signing key for scalar d and returns it with its
// uncompressed public point.
func vapidKey(d []byte) (*ecdsa.PrivateKey, []byte, error) {
	k, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	pub := k.PublicKey().Bytes()
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:65]),
		},
		D: new(big.Int).SetBytes(d),
	}
	return key, pub, nil
}
