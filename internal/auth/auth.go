// Package auth signs and verifies Pusher authentication strings.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	APIVersion = "1.0"

	// MaxClockSkew bounds auth_timestamp of signed HTTP API requests.
	MaxClockSkew = 600 * time.Second
)

var (
	ErrMalformedAuth    = errors.New("malformed auth string")
	ErrKeyMismatch      = errors.New("auth key does not match app key")
	ErrBadSignature     = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("auth_timestamp outside the allowed window")
	ErrBodyMD5Mismatch  = errors.New("body_md5 does not match request body")
	ErrMissingParameter = errors.New("missing authentication parameter")
)

func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func channelPayload(socketID, channel, channelData string) string {
	payload := socketID + ":" + channel
	if channelData != "" {
		payload += ":" + channelData
	}
	return payload
}

// SignChannel returns the "key:signature" string a backend hands to a client
// subscribing to a private, encrypted or presence channel.
func SignChannel(key, secret, socketID, channel, channelData string) string {
	return key + ":" + Sign(secret, channelPayload(socketID, channel, channelData))
}

// SignUser returns the "key:signature" string for pusher:signin.
func SignUser(key, secret, socketID, userData string) string {
	return key + ":" + Sign(secret, socketID+"::user::"+userData)
}

func verify(key, secret, authString, payload string) error {
	authKey, signature, ok := strings.Cut(authString, ":")
	if !ok || signature == "" {
		return ErrMalformedAuth
	}
	if authKey != key {
		return ErrKeyMismatch
	}
	if !hmac.Equal([]byte(signature), []byte(Sign(secret, payload))) {
		return ErrBadSignature
	}
	return nil
}

func ValidChannelAuth(key, secret, authString, socketID, channel, channelData string) error {
	return verify(key, secret, authString, channelPayload(socketID, channel, channelData))
}

func ValidUserAuth(key, secret, authString, socketID, userData string) error {
	return verify(key, secret, authString, socketID+"::user::"+userData)
}

func BodyMD5(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

// apiPayload is "METHOD\nPATH\nsorted query without auth_signature".
func apiPayload(method, path string, query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		if k == "auth_signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, strings.ToLower(k)+"="+query.Get(k))
	}
	return strings.ToUpper(method) + "\n" + path + "\n" + strings.Join(pairs, "&")
}

// SignAPIRequest fills the auth_* query parameters the way Pusher server SDKs do.
func SignAPIRequest(key, secret, method, path string, query url.Values, body []byte, now time.Time) url.Values {
	signed := url.Values{}
	for k, v := range query {
		signed[k] = v
	}
	signed.Set("auth_key", key)
	signed.Set("auth_timestamp", strconv.FormatInt(now.Unix(), 10))
	signed.Set("auth_version", APIVersion)
	if len(body) > 0 {
		signed.Set("body_md5", BodyMD5(body))
	}
	signed.Set("auth_signature", Sign(secret, apiPayload(method, path, signed)))
	return signed
}

// ValidAPIRequest verifies a signed HTTP API request.
func ValidAPIRequest(key, secret, method, path string, query url.Values, body []byte, now time.Time) error {
	for _, p := range []string{"auth_key", "auth_timestamp", "auth_signature"} {
		if query.Get(p) == "" {
			return ErrMissingParameter
		}
	}
	if query.Get("auth_key") != key {
		return ErrKeyMismatch
	}
	ts, err := strconv.ParseInt(query.Get("auth_timestamp"), 10, 64)
	if err != nil {
		return ErrMalformedAuth
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > MaxClockSkew || skew < -MaxClockSkew {
		return ErrStaleTimestamp
	}
	if len(body) > 0 && query.Get("body_md5") != BodyMD5(body) {
		return ErrBodyMD5Mismatch
	}
	expected := Sign(secret, apiPayload(method, path, query))
	if !hmac.Equal([]byte(query.Get("auth_signature")), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}
