package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	iamcredentials "google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// IAMSigner signs payloads through the IAM Credentials API so no private key has to be mounted.
type IAMSigner struct {
	email   string
	service *iamcredentials.Service
}

// NewIAMSigner builds a signer for the given service account email.
func NewIAMSigner(ctx context.Context, email string, opts ...option.ClientOption) (*IAMSigner, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("storage: signer email is required")
	}
	svc, err := iamcredentials.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create iam credentials client: %w", err)
	}
	return &IAMSigner{email: email, service: svc}, nil
}

// Email returns the service account email.
func (s *IAMSigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

// SignBytes asks IAM to sign payload with the service account's Google-managed key.
func (s *IAMSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.service == nil {
		return nil, errors.New("storage: signer not initialised")
	}
	if len(payload) == 0 {
		return nil, errors.New("storage: payload is empty")
	}
	name := "projects/-/serviceAccounts/" + s.email
	resp, err := s.service.Projects.ServiceAccounts.SignBlob(name, &iamcredentials.SignBlobRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("storage: iam sign blob: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(resp.SignedBlob)
	if err != nil {
		return nil, fmt.Errorf("storage: decode signed blob: %w", err)
	}
	return sig, nil
}
