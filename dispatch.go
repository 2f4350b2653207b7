package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// queueConfig is resolved once at startup and drives both the
// inline-vs-queued extraction decision and callback verification.
type queueConfig struct {
	PublishURL  string // queue service publish endpoint; empty means run extraction inline
	CallbackURL string // public URL of POST /internal/extract
	SigningKey  []byte // shared key for callback signature tokens
	Development bool
}

var queueCfg queueConfig

func resolveQueueConfig() queueConfig {
	return queueConfig{
		PublishURL:  os.Getenv("QUEUE_PUBLISH_URL"),
		CallbackURL: os.Getenv("QUEUE_CALLBACK_URL"),
		SigningKey:  []byte(os.Getenv("QUEUE_SIGNING_KEY")),
		Development: gin.Mode() != gin.ReleaseMode,
	}
}

// Queued reports whether extraction should be dispatched to the queue worker
// instead of running inside the triggering request.
func (q queueConfig) Queued() bool {
	return q.PublishURL != "" && q.CallbackURL != ""
}

// AcceptUnsigned decides whether the callback endpoint may accept requests
// without a signature. A missing signing key outside development fails
// closed: every callback is rejected rather than silently trusted.
func (q queueConfig) AcceptUnsigned() bool {
	return len(q.SigningKey) == 0 && q.Development
}

// signCallback issues the short-lived token the queue service must present in
// X-Queue-Signature when it calls back for the given upload.
func (q queueConfig) signCallback(uploadToken string) (string, error) {
	claims := jwt.MapClaims{
		"sub": uploadToken,
		"iss": "labtrack-queue",
		"exp": time.Now().Add(30 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(q.SigningKey)
}

// verifyCallback checks the queue signature header against the upload the
// callback claims to be for.
func (q queueConfig) verifyCallback(header, uploadToken string) error {
	if len(q.SigningKey) == 0 {
		if q.AcceptUnsigned() {
			return nil
		}
		return fmt.Errorf("queue signing key not configured")
	}
	if header == "" {
		return fmt.Errorf("missing queue signature")
	}
	token, err := jwt.Parse(header, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrInvalidKeyType
		}
		return q.SigningKey, nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("invalid queue signature")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("invalid queue signature claims")
	}
	if sub, _ := claims["sub"].(string); sub != uploadToken {
		return fmt.Errorf("queue signature subject mismatch")
	}
	return nil
}

// dispatchExtraction publishes the upload to the queue service, which later
// POSTs to the callback URL with the signature header forwarded.
func (q queueConfig) dispatchExtraction(uploadToken string) error {
	sig, err := q.signCallback(uploadToken)
	if err != nil {
		return fmt.Errorf("sign callback: %w", err)
	}
	payload, err := json.Marshal(map[string]string{"uploadId": uploadToken})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, q.PublishURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Callback-Url", q.CallbackURL)
	req.Header.Set("X-Forward-X-Queue-Signature", sig)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("queue publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("queue publish status %d", resp.StatusCode)
	}
	return nil
}
