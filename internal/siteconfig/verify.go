package siteconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
)

// Verifier checks detached minisign signatures against a trusted key.
type Verifier struct {
	publicKey minisign.PublicKey
}

// NewVerifier accepts either the bare base64 key or the two line .pub file
// with its comment header.
func NewVerifier(pubKey string) (*Verifier, error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return nil, errors.New("minisign public key is required")
	}
	var (
		key minisign.PublicKey
		err error
	)
	if strings.Contains(pubKey, "\n") {
		key, err = minisign.DecodePublicKey(pubKey)
	} else {
		key, err = minisign.NewPublicKey(pubKey)
	}
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &Verifier{publicKey: key}, nil
}

func (v *Verifier) Verify(ctx context.Context, data, signature []byte) error {
	if v == nil {
		return errors.New("signature verifier not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sig, err := minisign.DecodeSignature(string(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	ok, err := v.publicKey.Verify(data, sig)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signature verification failed")
	}
	return nil
}
