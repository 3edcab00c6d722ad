// token.go verifies the handshake token carried on every wire.Conn before
// Authority.Serve is entered, the way
// cmd/authn issues and the rest of the cluster verifies bearer tokens for
// every request.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package authority

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"

	"github.com/localfirst/syncengine/meta"
	"github.com/localfirst/syncengine/store/registry"
)

// claims is the JWT payload a replica presents at connect time: which
// user it authenticates as and what write privileges it was issued.
type claims struct {
	UserID      string `json:"userId"`
	ReplicaType string `json:"replicaType"`
	jwt.RegisteredClaims
}

// TokenVerifier validates handshake tokens against a shared signing
// secret. One instance is shared across every library's Authority.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret []byte) *TokenVerifier { return &TokenVerifier{secret: secret} }

// Verify parses and validates tokenString, returning the replica's
// identity and write privileges.
func (v *TokenVerifier) Verify(tokenString string) (registry.TokenInfo, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(tokenString, c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authority: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return registry.TokenInfo{}, err
	}
	if c.UserID == "" {
		return registry.TokenInfo{}, fmt.Errorf("authority: token missing userId claim")
	}
	return registry.TokenInfo{UserID: c.UserID, Type: meta.ReplicaType(c.ReplicaType)}, nil
}
